package receiver

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/synaptica-ai/pacs-relay/pkg/common/logger"
	"github.com/synaptica-ai/pacs-relay/pkg/dicom"
	"github.com/synaptica-ai/pacs-relay/pkg/dimse"
)

func TestMain(m *testing.M) {
	logger.Init()
	os.Exit(m.Run())
}

type stubCodec struct {
	attrs dicom.Attributes
	err   error
}

func (c stubCodec) IdentityAttributes(raw []byte) (dicom.Attributes, error) {
	return c.attrs, c.err
}

func TestHandleObjectWritesDeterministicPath(t *testing.T) {
	root := t.TempDir()
	codec := stubCodec{attrs: dicom.Attributes{
		PatientID:         "P1",
		StudyInstanceUID:  "S1",
		SeriesInstanceUID: "SE1",
		SOPInstanceUID:    "I1",
	}}
	r := New(codec, root, NewTracker())

	if status := r.HandleObject([]byte("object bytes")); status != dimse.StatusSuccess {
		t.Fatalf("expected success status, got 0x%04X", uint16(status))
	}

	want := filepath.Join(root, "P1", "S1", "SE1", "I1.dcm")
	content, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("expected object at %s: %v", want, err)
	}
	if string(content) != "object bytes" {
		t.Fatalf("object bytes were altered: %q", content)
	}
	if r.Received("S1") != 1 {
		t.Fatalf("expected 1 tracked object, got %d", r.Received("S1"))
	}
}

func TestHandleObjectSanitizesPatientID(t *testing.T) {
	root := t.TempDir()
	codec := stubCodec{attrs: dicom.Attributes{
		PatientID:         `HOSP/123\4`,
		StudyInstanceUID:  "S1",
		SeriesInstanceUID: "SE1",
		SOPInstanceUID:    "I1",
	}}
	r := New(codec, root, NewTracker())

	if status := r.HandleObject([]byte("x")); status != dimse.StatusSuccess {
		t.Fatalf("expected success, got 0x%04X", uint16(status))
	}
	if _, err := os.Stat(filepath.Join(root, "HOSP_123_4", "S1", "SE1", "I1.dcm")); err != nil {
		t.Fatalf("expected sanitized patient directory: %v", err)
	}
}

func TestHandleObjectMissingPatientUsesPlaceholder(t *testing.T) {
	root := t.TempDir()
	codec := stubCodec{attrs: dicom.Attributes{
		StudyInstanceUID:  "S1",
		SeriesInstanceUID: "SE1",
		SOPInstanceUID:    "I1",
	}}
	r := New(codec, root, NewTracker())

	if status := r.HandleObject([]byte("x")); status != dimse.StatusSuccess {
		t.Fatalf("expected success, got 0x%04X", uint16(status))
	}
	if _, err := os.Stat(filepath.Join(root, "Unknown", "S1", "SE1", "I1.dcm")); err != nil {
		t.Fatalf("expected object under Unknown patient: %v", err)
	}
}

func TestHandleObjectMissingSOPGetsSyntheticName(t *testing.T) {
	root := t.TempDir()
	codec := stubCodec{attrs: dicom.Attributes{
		PatientID:         "P1",
		StudyInstanceUID:  "S1",
		SeriesInstanceUID: "SE1",
	}}
	r := New(codec, root, NewTracker())

	if status := r.HandleObject([]byte("first")); status != dimse.StatusSuccess {
		t.Fatalf("expected success, got 0x%04X", uint16(status))
	}
	if status := r.HandleObject([]byte("second")); status != dimse.StatusSuccess {
		t.Fatalf("expected success, got 0x%04X", uint16(status))
	}

	entries, err := os.ReadDir(filepath.Join(root, "P1", "S1", "SE1"))
	if err != nil {
		t.Fatalf("reading series directory: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 distinct files for unnamed objects, got %d", len(entries))
	}
}

func TestHandleObjectUnparsableStillPersisted(t *testing.T) {
	root := t.TempDir()
	codec := stubCodec{err: errors.New("not a dataset")}
	r := New(codec, root, NewTracker())

	if status := r.HandleObject([]byte("garbage")); status != dimse.StatusSuccess {
		t.Fatalf("expected success, got 0x%04X", uint16(status))
	}
	entries, err := os.ReadDir(filepath.Join(root, "Unknown", "Unknown", "Unknown"))
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one placeholder-filed object, got %v (%v)", entries, err)
	}
}

func TestHandleObjectWriteFailureReturnsFailureStatus(t *testing.T) {
	// Using a regular file as the output root makes every MkdirAll fail.
	rootFile := filepath.Join(t.TempDir(), "root")
	if err := os.WriteFile(rootFile, []byte("occupied"), 0o644); err != nil {
		t.Fatalf("seeding root file: %v", err)
	}

	codec := stubCodec{attrs: dicom.Attributes{
		PatientID:         "P1",
		StudyInstanceUID:  "S1",
		SeriesInstanceUID: "SE1",
		SOPInstanceUID:    "I1",
	}}
	tracker := NewTracker()
	r := New(codec, rootFile, tracker)

	if status := r.HandleObject([]byte("x")); status != dimse.StatusFailure {
		t.Fatalf("expected failure status, got 0x%04X", uint16(status))
	}
	if tracker.Count("S1") != 0 {
		t.Fatal("failed write must not be counted as received")
	}
}

func TestTrackerAwaitQuiescent(t *testing.T) {
	tracker := NewTracker()
	tracker.Observe("S1")
	tracker.Observe("S1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if n := tracker.AwaitQuiescent(ctx, "S1", 100*time.Millisecond); n != 2 {
		t.Fatalf("expected quiescent count 2, got %d", n)
	}
}

func TestTrackerResetClearsCount(t *testing.T) {
	tracker := NewTracker()
	tracker.Observe("S1")
	tracker.Reset("S1")
	if tracker.Count("S1") != 0 {
		t.Fatalf("expected reset count 0, got %d", tracker.Count("S1"))
	}
	if tracker.Total() != 1 {
		t.Fatalf("process total should survive reset, got %d", tracker.Total())
	}
}
