package store

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/nainya/custody/internal/metrics"
)

func TestInstrumentedRecordsOutcomes(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	defer m.Stop()

	s := Instrument(NewMemory(), m)
	ctx := context.Background()

	if _, err := s.GetDocument(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound through the wrapper, got %v", err)
	}
	if _, err := s.ListDocuments(ctx, DocumentQuery{Owner: "0xowner", AllFolders: true}); err != nil {
		t.Fatalf("ListDocuments failed: %v", err)
	}

	count := func(op, status string) float64 {
		var pb dto.Metric
		if err := m.StoreOperationsTotal.WithLabelValues(op, status).Write(&pb); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		return pb.GetCounter().GetValue()
	}
	if got := count("get_document", "not_found"); got != 1 {
		t.Errorf("get_document not_found = %v", got)
	}
	if got := count("list_documents", "success"); got != 1 {
		t.Errorf("list_documents success = %v", got)
	}
}

func TestInstrumentWithoutMetrics(t *testing.T) {
	s := NewMemory()
	if got := Instrument(s, nil); got != Store(s) {
		t.Error("nil metrics should return the store unchanged")
	}
}
