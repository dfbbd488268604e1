// Package localize resolves user-visible error text by locale, so a
// caller can hand a user apperr.Kind and get back a message that never
// leaks implementation detail, regardless of what language the user's
// channel is configured for.
package localize

import "github.com/anemos/assistant-fabric/internal/apperr"

const DefaultLocale = "en"

// catalog maps each locale to its messages; its "en" row is the
// fallback. Every kind must have an entry in that row, since a lookup
// that falls through both the requested locale and "en" is a
// programming error, not a runtime condition.
var catalog = map[string]map[apperr.Kind]string{
	"en": {
		apperr.KindConfigMissing:  "The assistant is not configured correctly. Please contact an administrator.",
		apperr.KindBusUnavailable: "The assistant is temporarily unavailable. Please try again shortly.",
		apperr.KindModelError:     "I ran into a problem generating a response. Please try again.",
		apperr.KindSkillError:     "One of the tools I tried to use ran into a problem.",
		apperr.KindSkillDenied:    "I'm not allowed to do that here.",
		apperr.KindAuthFailure:    "I couldn't authenticate with a required service.",
		apperr.KindRateLimited:    "You're sending requests too quickly, please slow down.",
		apperr.KindTimeout:        "That took too long to complete, please try again.",
		apperr.KindSequenceGap:    "Something got out of order handling that. Please try again.",
	},
}

const genericFallback = "Something went wrong handling this request."

// Message returns the localized, non-technical message for kind in
// locale. It falls back to DefaultLocale if locale isn't registered,
// and to a generic message if kind isn't registered under either.
func Message(locale string, kind apperr.Kind) string {
	if rows, ok := catalog[locale]; ok {
		if msg, ok := rows[kind]; ok {
			return msg
		}
	}
	if msg, ok := catalog[DefaultLocale][kind]; ok {
		return msg
	}
	return genericFallback
}

// ForError resolves the localized message for whatever apperr.Kind err
// carries, or the generic fallback if err isn't a classified fabric
// error.
func ForError(locale string, err error) string {
	kind, ok := apperr.KindOf(err)
	if !ok {
		return genericFallback
	}
	return Message(locale, kind)
}

// RegisterLocale adds or replaces the message catalog for locale. Rows
// omitted from messages fall back to DefaultLocale at lookup time, so a
// partial translation is safe to register.
func RegisterLocale(locale string, messages map[apperr.Kind]string) {
	catalog[locale] = messages
}
