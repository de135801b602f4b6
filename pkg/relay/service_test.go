package relay

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/synaptica-ai/pacs-relay/pkg/common/logger"
	"github.com/synaptica-ai/pacs-relay/pkg/dimse"
	"github.com/synaptica-ai/pacs-relay/pkg/receiver"
)

func TestMain(m *testing.M) {
	logger.Init()
	os.Exit(m.Run())
}

type memLedger struct {
	mu   sync.Mutex
	uids map[string]struct{}
}

func newMemLedger() *memLedger {
	return &memLedger{uids: make(map[string]struct{})}
}

func (l *memLedger) Contains(uid string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.uids[uid]
	return ok
}

func (l *memLedger) Commit(uid string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.uids[uid] = struct{}{}
	return nil
}

func (l *memLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.uids)
}

type fakeRetriever struct {
	objects [][]byte
	err     error
	calls   int
}

func (r *fakeRetriever) Retrieve(ctx context.Context, study StudyRef) ([][]byte, error) {
	r.calls++
	return r.objects, r.err
}

type fakeDeliverer struct {
	failAt int // 1-based object index that fails, 0 means none
	calls  int
}

func (d *fakeDeliverer) Deliver(ctx context.Context, study StudyRef, objects [][]byte) (int, error) {
	d.calls++
	for i := range objects {
		if d.failAt > 0 && i+1 == d.failAt {
			return i, errors.New("delivery refused")
		}
	}
	return len(objects), nil
}

func study(uid string) StudyRef {
	return StudyRef{ID: uid, StudyInstanceUID: uid}
}

func objects(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = []byte{byte(i)}
	}
	return out
}

func TestEngineCommitsOnSuccess(t *testing.T) {
	led := newMemLedger()
	retriever := &fakeRetriever{objects: objects(3)}
	deliverer := &fakeDeliverer{}
	engine := NewEngine(NewPipeline(retriever, deliverer), led, nil, nil)

	if err := engine.Process(context.Background(), study("1.2.3")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !led.Contains("1.2.3") {
		t.Fatal("successful relay must be committed to the ledger")
	}
	if engine.InFlight("1.2.3") {
		t.Fatal("delivered study must leave the working set")
	}
}

func TestEngineSkipsLedgeredStudy(t *testing.T) {
	led := newMemLedger()
	led.Commit("1.2.3")
	retriever := &fakeRetriever{objects: objects(1)}
	engine := NewEngine(NewPipeline(retriever, &fakeDeliverer{}), led, nil, nil)

	if err := engine.Process(context.Background(), study("1.2.3")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if retriever.calls != 0 {
		t.Fatalf("ledgered study must not be retrieved, got %d calls", retriever.calls)
	}
}

func TestEnginePartialFailureNotCommitted(t *testing.T) {
	led := newMemLedger()
	retriever := &fakeRetriever{objects: objects(3)}
	deliverer := &fakeDeliverer{failAt: 2}
	engine := NewEngine(NewPipeline(retriever, deliverer), led, nil, nil)

	if err := engine.Process(context.Background(), study("1.2.3")); err == nil {
		t.Fatal("expected partial delivery to fail")
	}
	if led.Contains("1.2.3") {
		t.Fatal("partially delivered study must not be committed")
	}

	// The next attempt retries every object from scratch.
	deliverer.failAt = 0
	if err := engine.Process(context.Background(), study("1.2.3")); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if retriever.calls != 2 {
		t.Fatalf("expected full re-retrieve on retry, got %d calls", retriever.calls)
	}
	if !led.Contains("1.2.3") {
		t.Fatal("retried study must be committed after success")
	}
}

func TestEngineZeroObjectsIsFailure(t *testing.T) {
	led := newMemLedger()
	engine := NewEngine(NewPipeline(&fakeRetriever{}, &fakeDeliverer{}), led, nil, nil)

	err := engine.Process(context.Background(), study("1.2.3"))
	if !errors.Is(err, ErrNoObjects) {
		t.Fatalf("expected ErrNoObjects, got %v", err)
	}
	if led.Contains("1.2.3") {
		t.Fatal("zero-object relay must not be committed")
	}
}

func TestEngineRetrieveErrorNotCommitted(t *testing.T) {
	led := newMemLedger()
	retriever := &fakeRetriever{err: errors.New("connection refused")}
	engine := NewEngine(NewPipeline(retriever, &fakeDeliverer{}), led, nil, nil)

	if err := engine.Process(context.Background(), study("1.2.3")); err == nil {
		t.Fatal("expected retrieve failure to propagate")
	}
	if led.Contains("1.2.3") {
		t.Fatal("failed retrieve must not be committed")
	}
	if engine.InFlight("1.2.3") {
		t.Fatal("failed study must be eligible for rediscovery")
	}
}

func TestEngineRejectsMissingUID(t *testing.T) {
	engine := NewEngine(NewPipeline(&fakeRetriever{}, &fakeDeliverer{}), newMemLedger(), nil, nil)
	if err := engine.Process(context.Background(), StudyRef{ID: "x"}); err == nil {
		t.Fatal("expected error for study without a UID")
	}
}

type fakeMoveService struct {
	results []dimse.MoveResult
	moveErr error
	deliver func(tracker *receiver.Tracker, uid string)
	tracker *receiver.Tracker
}

func (s *fakeMoveService) Store(ctx context.Context, peer dimse.Endpoint, object []byte) (dimse.Status, error) {
	return dimse.StatusSuccess, nil
}

func (s *fakeMoveService) Find(ctx context.Context, peer dimse.Endpoint, q dimse.Query) ([]dimse.FindResult, error) {
	return nil, nil
}

func (s *fakeMoveService) Move(ctx context.Context, peer dimse.Endpoint, q dimse.Query, destinationAE string) (<-chan dimse.MoveResult, error) {
	if s.moveErr != nil {
		return nil, s.moveErr
	}
	ch := make(chan dimse.MoveResult, len(s.results))
	if s.deliver != nil {
		s.deliver(s.tracker, q.StudyInstanceUID)
	}
	for _, res := range s.results {
		ch <- res
	}
	close(ch)
	return ch, nil
}

func (s *fakeMoveService) RegisterInboundHandler(handler dimse.ObjectHandler) {}
func (s *fakeMoveService) StartListener(port int) error                      { return nil }
func (s *fakeMoveService) StopListener() error                               { return nil }

func moveRelayer(svc *fakeMoveService, tracker *receiver.Tracker) *MoveRelayer {
	return &MoveRelayer{
		Service:       svc,
		Source:        dimse.Endpoint{AETitle: "SRC", Host: "localhost", Port: 4242},
		DestinationAE: "PACS_RELAY",
		Tracker:       tracker,
		Quiescence:    50 * time.Millisecond,
		Timeout:       2 * time.Second,
	}
}

func noProgress(string) {}

func TestMoveRelayerSuccessRequiresReceivedObjects(t *testing.T) {
	tracker := receiver.NewTracker()
	svc := &fakeMoveService{
		tracker: tracker,
		results: []dimse.MoveResult{
			{Status: dimse.StatusPending, Remaining: 2},
			{Status: dimse.StatusPending, Remaining: 1},
			{Status: dimse.StatusSuccess, Completed: 2},
		},
		deliver: func(tr *receiver.Tracker, uid string) {
			tr.Observe(uid)
			tr.Observe(uid)
		},
	}

	count, err := moveRelayer(svc, tracker).Relay(context.Background(), study("1.2.3"), noProgress)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 objects, got %d", count)
	}
}

func TestMoveRelayerZeroReceivedIsFailure(t *testing.T) {
	tracker := receiver.NewTracker()
	svc := &fakeMoveService{
		tracker: tracker,
		results: []dimse.MoveResult{{Status: dimse.StatusSuccess}},
	}

	_, err := moveRelayer(svc, tracker).Relay(context.Background(), study("1.2.3"), noProgress)
	if !errors.Is(err, ErrNoObjects) {
		t.Fatalf("expected ErrNoObjects, got %v", err)
	}
}

func TestMoveRelayerFailureStatus(t *testing.T) {
	tracker := receiver.NewTracker()
	svc := &fakeMoveService{
		tracker: tracker,
		results: []dimse.MoveResult{
			{Status: dimse.StatusPending},
			{Status: dimse.Status(0xA702), Failed: 1},
		},
	}

	if _, err := moveRelayer(svc, tracker).Relay(context.Background(), study("1.2.3"), noProgress); err == nil {
		t.Fatal("expected failure status to propagate")
	}
}

func TestMoveRelayerStreamWithoutTerminalSuccess(t *testing.T) {
	tracker := receiver.NewTracker()
	svc := &fakeMoveService{
		tracker: tracker,
		results: []dimse.MoveResult{{Status: dimse.StatusPending}},
	}

	if _, err := moveRelayer(svc, tracker).Relay(context.Background(), study("1.2.3"), noProgress); err == nil {
		t.Fatal("expected error when stream ends while pending")
	}
}

func TestDimseDestinationStopsAtFirstFailure(t *testing.T) {
	svc := &storeScript{statuses: []dimse.Status{dimse.StatusSuccess, dimse.StatusFailure, dimse.StatusSuccess}}
	dest := &DimseDestination{Service: svc, Peer: dimse.Endpoint{AETitle: "DST"}}

	delivered, err := dest.Deliver(context.Background(), study("1.2.3"), objects(3))
	if err == nil {
		t.Fatal("expected error from failing store")
	}
	if delivered != 1 {
		t.Fatalf("expected 1 delivered object before failure, got %d", delivered)
	}
}

type storeScript struct {
	fakeMoveService
	statuses []dimse.Status
	call     int
}

func (s *storeScript) Store(ctx context.Context, peer dimse.Endpoint, object []byte) (dimse.Status, error) {
	status := s.statuses[s.call]
	s.call++
	return status, nil
}
