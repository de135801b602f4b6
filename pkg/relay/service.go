package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/synaptica-ai/pacs-relay/pkg/common/kafka"
	"github.com/synaptica-ai/pacs-relay/pkg/common/logger"
	"github.com/synaptica-ai/pacs-relay/pkg/common/models"
	"github.com/synaptica-ai/pacs-relay/pkg/ledger"
	"gorm.io/datatypes"
)

// ErrNoObjects marks a relay attempt that moved zero objects. A study with no
// transferable content is a retry-eligible failure, never a silent success.
var ErrNoObjects = errors.New("no objects transferred for study")

// Progress reports pipeline phase changes back to the engine.
type Progress func(state string)

// Retriever fetches a study's full content from the source as individual
// objects.
type Retriever interface {
	Retrieve(ctx context.Context, study StudyRef) ([][]byte, error)
}

// Deliverer pushes a study's objects to the destination and reports how many
// reached it with a terminal success status.
type Deliverer interface {
	Deliver(ctx context.Context, study StudyRef, objects [][]byte) (int, error)
}

// Relayer moves one study end to end and reports the number of objects
// transferred. Implementations: the retrieve/deliver Pipeline, and the
// C-MOVE relayer whose delivery happens out of band through the receiver.
type Relayer interface {
	Relay(ctx context.Context, study StudyRef, progress Progress) (int, error)
}

// Pipeline is the retrieve-transcode-deliver Relayer.
type Pipeline struct {
	retriever Retriever
	deliverer Deliverer
}

func NewPipeline(retriever Retriever, deliverer Deliverer) *Pipeline {
	return &Pipeline{retriever: retriever, deliverer: deliverer}
}

func (p *Pipeline) Relay(ctx context.Context, study StudyRef, progress Progress) (int, error) {
	progress(StateRetrieving)
	objects, err := p.retriever.Retrieve(ctx, study)
	if err != nil {
		return 0, fmt.Errorf("retrieve: %w", err)
	}
	if len(objects) == 0 {
		return 0, ErrNoObjects
	}

	progress(StateTranscoding)
	progress(StateDelivering)
	delivered, err := p.deliverer.Deliver(ctx, study, objects)
	if err != nil {
		return delivered, fmt.Errorf("deliver: %w", err)
	}
	if delivered == 0 {
		return 0, ErrNoObjects
	}
	if delivered < len(objects) {
		return delivered, fmt.Errorf("delivered %d of %d objects", delivered, len(objects))
	}
	return delivered, nil
}

// Engine owns the relay working set. Process is safe for concurrent callers
// (poller, on-demand requests); a study is relayed by at most one of them at
// a time, and committed to the ledger only after an evaluated success.
type Engine struct {
	mu      sync.Mutex
	records map[string]*StudyRecord

	relayer  Relayer
	ledger   ledger.Ledger
	journal  *Repository     // optional
	producer *kafka.Producer // optional
}

func NewEngine(relayer Relayer, led ledger.Ledger, journal *Repository, producer *kafka.Producer) *Engine {
	return &Engine{
		records:  make(map[string]*StudyRecord),
		relayer:  relayer,
		ledger:   led,
		journal:  journal,
		producer: producer,
	}
}

// InFlight reports whether uid is currently being relayed.
func (e *Engine) InFlight(uid string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.records[uid]
	return ok && rec.State != StateFailed
}

// Snapshot returns a copy of the working set for the status surface.
func (e *Engine) Snapshot() []StudyRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]StudyRecord, 0, len(e.records))
	for _, rec := range e.records {
		out = append(out, *rec)
	}
	return out
}

// Process relays one study. Already-committed studies are a no-op; a study
// already in flight is left to its current attempt. On failure the study
// stays out of the ledger and is rediscovered on a later poll cycle; there is
// no attempt cap, eventual delivery wins over giving up.
func (e *Engine) Process(ctx context.Context, study StudyRef) error {
	uid := study.StudyInstanceUID
	if uid == "" {
		return errors.New("study has no StudyInstanceUID")
	}
	if e.ledger.Contains(uid) {
		return nil
	}

	rec, fresh, claimed := e.claim(study)
	if !claimed {
		return nil
	}
	if fresh {
		e.publish(ctx, models.EventStudyDiscovered, map[string]interface{}{
			"study_instance_uid": uid,
			"study_id":           study.ID,
		})
	}

	logger.Log.WithFields(map[string]interface{}{
		"study_uid": uid,
		"attempt":   rec.AttemptCount,
	}).Info("Relaying study")

	count, err := e.relayer.Relay(ctx, study, func(state string) {
		e.setState(uid, state)
	})

	if err != nil {
		e.finishFailure(ctx, uid, count, err)
		return err
	}

	e.finishSuccess(ctx, uid, count)
	return nil
}

// claim registers or re-activates the record for study. The second return
// reports first discovery, the third whether this caller owns the attempt.
func (e *Engine) claim(study StudyRef) (*StudyRecord, bool, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.records[study.StudyInstanceUID]
	if ok && rec.State != StateFailed {
		return nil, false, false
	}
	fresh := !ok
	if fresh {
		rec = &StudyRecord{
			StudyID:          study.ID,
			StudyInstanceUID: study.StudyInstanceUID,
		}
		e.records[study.StudyInstanceUID] = rec
	}
	rec.State = StateDiscovered
	rec.AttemptCount++
	rec.LastAttempt = time.Now().UTC()
	return rec, fresh, true
}

func (e *Engine) setState(uid, state string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rec, ok := e.records[uid]; ok {
		rec.State = state
	}
}

func (e *Engine) finishSuccess(ctx context.Context, uid string, count int) {
	e.mu.Lock()
	rec := e.records[uid]
	attempt := 0
	if rec != nil {
		attempt = rec.AttemptCount
		rec.State = StateDelivered
		rec.ObjectCount = count
	}
	// Delivered studies leave the working set; the ledger owns them now.
	delete(e.records, uid)
	e.mu.Unlock()

	// Ledger commit happens only here, after evaluated success. A persistence
	// failure keeps the in-memory set authoritative for this process and is
	// logged as the documented eventual-consistency gap.
	if err := e.ledger.Commit(uid); err != nil {
		logger.Log.WithError(err).WithField("study_uid", uid).Warn("ledger persistence failed, study may be re-relayed after restart")
	}

	logger.Log.WithFields(map[string]interface{}{
		"study_uid": uid,
		"objects":   count,
	}).Info("Study relayed")

	e.record(ctx, uid, StateDelivered, attempt, count, "")
	e.publish(ctx, models.EventStudyRelayed, map[string]interface{}{
		"study_instance_uid": uid,
		"objects":            count,
		"attempt":            attempt,
	})
}

func (e *Engine) finishFailure(ctx context.Context, uid string, count int, cause error) {
	e.mu.Lock()
	rec := e.records[uid]
	attempt := 0
	if rec != nil {
		attempt = rec.AttemptCount
		rec.State = StateFailed
		rec.ObjectCount = count
		rec.LastError = cause.Error()
	}
	e.mu.Unlock()

	logger.Log.WithError(cause).WithFields(map[string]interface{}{
		"study_uid": uid,
		"attempt":   attempt,
	}).Warn("Study relay failed, will retry on a later cycle")

	e.record(ctx, uid, StateFailed, attempt, count, cause.Error())
	e.publish(ctx, models.EventStudyFailed, map[string]interface{}{
		"study_instance_uid": uid,
		"objects":            count,
		"attempt":            attempt,
		"error":              cause.Error(),
	})
}

func (e *Engine) record(ctx context.Context, uid, state string, attempt, count int, errMsg string) {
	if e.journal == nil {
		return
	}
	entry := &JournalEntry{
		StudyInstanceUID: uid,
		State:            state,
		Attempt:          attempt,
		ObjectCount:      count,
		Error:            errMsg,
		Detail: datatypes.JSONMap{
			"objects": count,
		},
	}
	if err := e.journal.Record(ctx, entry); err != nil {
		logger.Log.WithError(err).Warn("failed to write relay journal entry")
	}
}

func (e *Engine) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if e.producer == nil {
		return
	}
	if err := e.producer.PublishEvent(ctx, eventType, "pacs-relay", data); err != nil {
		logger.Log.WithError(err).WithField("event_type", eventType).Warn("failed to publish relay event")
	}
}

// HandleRequest relays a study named by an on-demand request event from the
// request topic.
func (e *Engine) HandleRequest(ctx context.Context, event models.Event) error {
	uid, _ := event.Data["study_instance_uid"].(string)
	if uid == "" {
		logger.Log.WithField("event_id", event.ID).Warn("relay request without study_instance_uid")
		return nil
	}
	id, _ := event.Data["study_id"].(string)
	if id == "" {
		id = uid
	}
	return e.Process(ctx, StudyRef{ID: id, StudyInstanceUID: uid})
}
