package memory

import (
	"context"
	"testing"
)

func TestNoopVectorStoreReturnsNothing(t *testing.T) {
	var store VectorStore = NoopVectorStore{}
	records, err := store.Query(context.Background(), "anything", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected no records, got %+v", records)
	}
}
