package localize

import (
	"errors"
	"testing"

	"github.com/anemos/assistant-fabric/internal/apperr"
)

func TestMessageReturnsEnglishByDefault(t *testing.T) {
	got := Message("en", apperr.KindRateLimited)
	if got == "" || got == genericFallback {
		t.Fatalf("Message = %q, want a specific rate-limit message", got)
	}
}

func TestMessageFallsBackToDefaultLocale(t *testing.T) {
	got := Message("fr", apperr.KindTimeout)
	want := Message(DefaultLocale, apperr.KindTimeout)
	if got != want {
		t.Fatalf("Message(fr, ...) = %q, want fallback %q", got, want)
	}
}

func TestMessageUnknownKindReturnsGenericFallback(t *testing.T) {
	if got := Message("en", apperr.Kind("nonexistent")); got != genericFallback {
		t.Fatalf("Message = %q, want %q", got, genericFallback)
	}
}

func TestForErrorClassifiedError(t *testing.T) {
	err := apperr.New(apperr.KindSkillDenied, "skills.Invoke", errors.New("denied"))
	got := ForError("en", err)
	want := Message("en", apperr.KindSkillDenied)
	if got != want {
		t.Fatalf("ForError = %q, want %q", got, want)
	}
}

func TestForErrorUnclassifiedErrorReturnsGenericFallback(t *testing.T) {
	if got := ForError("en", errors.New("plain")); got != genericFallback {
		t.Fatalf("ForError = %q, want %q", got, genericFallback)
	}
}

func TestRegisterLocaleAddsRows(t *testing.T) {
	RegisterLocale("xx", map[apperr.Kind]string{
		apperr.KindTimeout: "custom timeout message",
	})
	if got := Message("xx", apperr.KindTimeout); got != "custom timeout message" {
		t.Fatalf("Message(xx, KindTimeout) = %q", got)
	}
	// Kinds omitted from the partial registration still fall back.
	if got := Message("xx", apperr.KindRateLimited); got != Message(DefaultLocale, apperr.KindRateLimited) {
		t.Fatalf("Message(xx, KindRateLimited) = %q, want default-locale fallback", got)
	}
}
