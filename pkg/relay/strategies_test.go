package relay

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/synaptica-ai/pacs-relay/pkg/dicomweb"
	"github.com/synaptica-ai/pacs-relay/pkg/multipart"
)

func TestWebSourceRetrieveSplitsMultipart(t *testing.T) {
	payloads := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	body, boundary := multipart.Join(payloads, "application/dicom")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", multipart.RelatedContentType(boundary, "application/dicom"))
		w.Write(body)
	}))
	defer server.Close()

	source := &WebSource{Client: dicomweb.New(server.URL, 5*time.Second)}
	objects, err := source.Retrieve(context.Background(), study("1.2.3"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(objects) != 3 {
		t.Fatalf("expected 3 objects, got %d", len(objects))
	}
	for i := range payloads {
		if !bytes.Equal(objects[i], payloads[i]) {
			t.Fatalf("object %d altered in transit", i)
		}
	}
}

func TestWebSourceRetrieveSingleObjectResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/dicom")
		w.Write([]byte("single object"))
	}))
	defer server.Close()

	source := &WebSource{Client: dicomweb.New(server.URL, 5*time.Second)}
	objects, err := source.Retrieve(context.Background(), study("1.2.3"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(objects) != 1 || string(objects[0]) != "single object" {
		t.Fatalf("unexpected objects: %q", objects)
	}
}

func TestWebSourceRetrieveDegradedMultipartYieldsZero(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", multipart.RelatedContentType("b", "application/dicom"))
		w.Write([]byte("no boundary markers in here"))
	}))
	defer server.Close()

	source := &WebSource{Client: dicomweb.New(server.URL, 5*time.Second)}
	objects, err := source.Retrieve(context.Background(), study("1.2.3"))
	if err != nil {
		t.Fatalf("degraded input must not error, got %v", err)
	}
	if len(objects) != 0 {
		t.Fatalf("expected zero objects, got %d", len(objects))
	}
}

func TestWebDestinationDeliverRoundTrips(t *testing.T) {
	var received [][]byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Fatalf("reading store body: %v", err)
		}
		boundary, err := multipart.BoundaryFromContentType(r.Header.Get("Content-Type"))
		if err != nil {
			t.Fatalf("store request content type: %v", err)
		}
		received = multipart.Split(body, boundary)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	payloads := [][]byte{[]byte("a"), {0x00, 0xFF}, []byte("c")}
	dest := &WebDestination{Client: dicomweb.New(server.URL, 5*time.Second)}
	delivered, err := dest.Deliver(context.Background(), study("1.2.3"), payloads)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if delivered != 3 {
		t.Fatalf("expected 3 delivered, got %d", delivered)
	}
	if len(received) != 3 {
		t.Fatalf("destination saw %d objects", len(received))
	}
	for i := range payloads {
		if !bytes.Equal(received[i], payloads[i]) {
			t.Fatalf("object %d altered in transit", i)
		}
	}
}

func TestWebToWebEndToEnd(t *testing.T) {
	payloads := [][]byte{[]byte("obj-1"), []byte("obj-2")}
	srcBody, srcBoundary := multipart.Join(payloads, "application/dicom")

	sourceServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/studies":
			w.Write([]byte(`[{"0020000D":{"vr":"UI","Value":["1.2.3"]}}]`))
		case "/studies/1.2.3":
			w.Header().Set("Content-Type", multipart.RelatedContentType(srcBoundary, "application/dicom"))
			w.Write(srcBody)
		}
	}))
	defer sourceServer.Close()

	var stored int
	destServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		boundary, err := multipart.BoundaryFromContentType(r.Header.Get("Content-Type"))
		if err != nil {
			t.Fatalf("bad store content type: %v", err)
		}
		stored = len(multipart.Split(body, boundary))
		w.WriteHeader(http.StatusOK)
	}))
	defer destServer.Close()

	source := &WebSource{Client: dicomweb.New(sourceServer.URL, 5*time.Second)}
	dest := &WebDestination{Client: dicomweb.New(destServer.URL, 5*time.Second)}
	led := newMemLedger()
	engine := NewEngine(NewPipeline(source, dest), led, nil, nil)
	poller := NewPoller(source, engine, led, time.Second, 0)

	poller.cycle(context.Background())

	if stored != 2 {
		t.Fatalf("expected 2 objects at destination, got %d", stored)
	}
	if !led.Contains("1.2.3") {
		t.Fatal("relayed study missing from ledger")
	}

	// Second cycle must be a no-op.
	stored = 0
	poller.cycle(context.Background())
	if stored != 0 {
		t.Fatal("second cycle must not re-deliver a committed study")
	}
}
