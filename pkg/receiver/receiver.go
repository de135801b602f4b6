// Package receiver files inbound objects under a deterministic path and
// answers each store with a synchronous status. It serves both transports:
// the association engine invokes HandleObject per C-STORE, and the HTTP
// surface feeds it the parts of a STOW request.
package receiver

import (
	"os"
	"path/filepath"
	"time"

	"github.com/synaptica-ai/pacs-relay/pkg/common/logger"
	"github.com/synaptica-ai/pacs-relay/pkg/dicom"
	"github.com/synaptica-ai/pacs-relay/pkg/dimse"
)

type Receiver struct {
	codec   dicom.Codec
	root    string
	tracker *Tracker
}

func New(codec dicom.Codec, root string, tracker *Tracker) *Receiver {
	return &Receiver{codec: codec, root: root, tracker: tracker}
}

// HandleObject persists one inbound object and returns its store status. It
// is called from the engine's listener goroutine and must not wait on the
// orchestrator: the only blocking work here is the file write.
//
// Objects the codec cannot parse are still persisted, under placeholder
// identifiers; dropping bytes a peer already considers delivered would lose
// data the relay can never recover.
func (r *Receiver) HandleObject(raw []byte) dimse.Status {
	attrs, err := r.codec.IdentityAttributes(raw)
	if err != nil {
		logger.Log.WithError(err).Warn("failed to read object attributes, filing under placeholders")
		attrs = dicom.Attributes{}
	}
	attrs = attrs.WithDefaults(time.Now())

	path, err := r.write(attrs, raw)
	if err != nil {
		logger.Log.WithError(err).WithField("study_uid", attrs.StudyInstanceUID).Error("failed to save object")
		return dimse.StatusFailure
	}

	r.tracker.Observe(attrs.StudyInstanceUID)
	logger.Log.WithFields(map[string]interface{}{
		"path":      path,
		"study_uid": attrs.StudyInstanceUID,
		"received":  r.tracker.Total(),
	}).Debug("Received object")
	return dimse.StatusSuccess
}

// ObjectPath computes the storage path for attrs without writing anything.
func (r *Receiver) ObjectPath(attrs dicom.Attributes) string {
	return filepath.Join(
		r.root,
		dicom.SanitizePathComponent(attrs.PatientID),
		attrs.StudyInstanceUID,
		attrs.SeriesInstanceUID,
		attrs.SOPInstanceUID+".dcm",
	)
}

// Received reports the number of objects accepted for uid since its last
// transfer attempt began.
func (r *Receiver) Received(uid string) int {
	return r.tracker.Count(uid)
}

// TotalReceived reports objects accepted across all studies this process.
func (r *Receiver) TotalReceived() int {
	return r.tracker.Total()
}

func (r *Receiver) write(attrs dicom.Attributes, raw []byte) (string, error) {
	path := r.ObjectPath(attrs)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
