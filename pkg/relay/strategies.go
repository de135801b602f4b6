package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/synaptica-ai/pacs-relay/pkg/dicomweb"
	"github.com/synaptica-ai/pacs-relay/pkg/dimse"
	"github.com/synaptica-ai/pacs-relay/pkg/multipart"
	"github.com/synaptica-ai/pacs-relay/pkg/receiver"
)

// Lister enumerates studies available at the source for the poller.
type Lister interface {
	ListStudies(ctx context.Context) ([]StudyRef, error)
}

// WebSource lists and retrieves studies from a DICOMweb endpoint.
type WebSource struct {
	Client *dicomweb.Client
}

func (s *WebSource) ListStudies(ctx context.Context) ([]StudyRef, error) {
	summaries, err := s.Client.ListStudies(ctx)
	if err != nil {
		return nil, err
	}
	studies := make([]StudyRef, 0, len(summaries))
	for _, sum := range summaries {
		studies = append(studies, StudyRef{ID: sum.ID, StudyInstanceUID: sum.StudyInstanceUID})
	}
	return studies, nil
}

// Retrieve fetches the study as one bulk body and splits it into objects. A
// non-multipart response is a single object. A multipart body from which no
// object can be extracted yields zero objects; the engine turns that into a
// retry-eligible failure.
func (s *WebSource) Retrieve(ctx context.Context, study StudyRef) ([][]byte, error) {
	body, contentType, err := s.Client.RetrieveStudy(ctx, study.StudyInstanceUID)
	if err != nil {
		return nil, err
	}

	if !multipart.IsMultipart(contentType) {
		if len(body) == 0 {
			return nil, nil
		}
		return [][]byte{body}, nil
	}

	boundary, err := multipart.BoundaryFromContentType(contentType)
	if err != nil {
		return nil, fmt.Errorf("reading multipart boundary: %w", err)
	}
	return multipart.Split(body, boundary), nil
}

// WebDestination delivers a study to a DICOMweb endpoint as one bulk store.
type WebDestination struct {
	Client *dicomweb.Client
}

func (d *WebDestination) Deliver(ctx context.Context, study StudyRef, objects [][]byte) (int, error) {
	body, boundary := multipart.Join(objects, "application/dicom")
	contentType := multipart.RelatedContentType(boundary, "application/dicom")
	if err := d.Client.StoreStudy(ctx, body, contentType); err != nil {
		return 0, err
	}
	return len(objects), nil
}

// DimseDestination delivers objects one C-STORE at a time.
type DimseDestination struct {
	Service dimse.Service
	Peer    dimse.Endpoint
}

func (d *DimseDestination) Deliver(ctx context.Context, study StudyRef, objects [][]byte) (int, error) {
	delivered := 0
	for i, object := range objects {
		status, err := d.Service.Store(ctx, d.Peer, object)
		if err != nil {
			return delivered, fmt.Errorf("storing object %d: %w", i+1, err)
		}
		if !status.IsSuccess() {
			return delivered, fmt.Errorf("store of object %d returned status 0x%04X", i+1, uint16(status))
		}
		delivered++
	}
	return delivered, nil
}

// DimseSource lists studies via a wildcard study-level C-FIND, for sources
// without a usable REST listing.
type DimseSource struct {
	Service dimse.Service
	Peer    dimse.Endpoint
}

func (s *DimseSource) ListStudies(ctx context.Context) ([]StudyRef, error) {
	results, err := s.Service.Find(ctx, s.Peer, dimse.Query{Level: "STUDY"})
	if err != nil {
		return nil, err
	}
	var studies []StudyRef
	for _, res := range results {
		if res.StudyInstanceUID == "" {
			continue
		}
		studies = append(studies, StudyRef{ID: res.StudyInstanceUID, StudyInstanceUID: res.StudyInstanceUID})
	}
	return studies, nil
}

// MoveRelayer relays a study by asking the source to C-MOVE it to this
// process's own listener. Delivery is observed indirectly: the receiver files
// objects as they arrive and the tracker counts them.
//
// Success requires both a terminal success status on the move stream and a
// nonzero received count after a quiescence wait. A slow trailing object can
// still be under-counted; that is an accepted false negative, because the
// study then stays out of the ledger and the retry overwrites identical
// files.
type MoveRelayer struct {
	Service       dimse.Service
	Source        dimse.Endpoint
	DestinationAE string
	Tracker       *receiver.Tracker
	Quiescence    time.Duration
	Timeout       time.Duration
}

func (m *MoveRelayer) Relay(ctx context.Context, study StudyRef, progress Progress) (int, error) {
	uid := study.StudyInstanceUID
	m.Tracker.Reset(uid)

	timeout := m.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	moveCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	progress(StateRetrieving)
	results, err := m.Service.Move(moveCtx, m.Source, dimse.Query{Level: "STUDY", StudyInstanceUID: uid}, m.DestinationAE)
	if err != nil {
		return 0, fmt.Errorf("move request: %w", err)
	}

	success := false
	for res := range results {
		switch {
		case res.Status.IsSuccess():
			success = true
		case res.Status.IsPending():
			// sub-operations still running
		default:
			return m.Tracker.Count(uid), fmt.Errorf("move returned status 0x%04X (%d failed sub-operations)", uint16(res.Status), res.Failed)
		}
	}
	if !success {
		return m.Tracker.Count(uid), errors.New("move stream ended without a terminal success status")
	}

	progress(StateDelivering)
	count := m.Tracker.AwaitQuiescent(moveCtx, uid, m.Quiescence)
	if count == 0 {
		return 0, ErrNoObjects
	}
	return count, nil
}
