package relay

import (
	"go.uber.org/zap"

	"npcwire/internal/persistence/indexdb"
	"npcwire/internal/persistence/translog"
	"npcwire/internal/relay/turns"
	"npcwire/internal/world"
)

// Recorder fans turn lifecycle transitions out to the transcript log and
// the sqlite index. Both sinks are optional and best-effort.
type Recorder struct {
	log   *zap.Logger
	trans *translog.Writer
	index *indexdb.SQLiteIndex
}

func NewRecorder(trans *translog.Writer, index *indexdb.SQLiteIndex, log *zap.Logger) *Recorder {
	return &Recorder{log: log, trans: trans, index: index}
}

func (r *Recorder) Close() {
	if r.trans != nil {
		if err := r.trans.Close(); err != nil {
			r.log.Warn("close transcript log", zap.Error(err))
		}
	}
	if r.index != nil {
		if err := r.index.Close(); err != nil {
			r.log.Warn("close turn index", zap.Error(err))
		}
	}
}

func (r *Recorder) write(rec translog.Record) {
	rec.Time = translog.Now()
	if r.trans != nil {
		if err := r.trans.Write(rec); err != nil {
			r.log.Warn("transcript write failed", zap.Error(err))
		}
	}
	if r.index != nil {
		r.index.Write(indexdb.TurnRow{
			Time:          rec.Time,
			Kind:          rec.Kind,
			EntityID:      rec.EntityID,
			RequesterID:   rec.RequesterID,
			RequesterName: rec.RequesterName,
			Text:          rec.Text,
			Instruction:   rec.Instruction,
			Reason:        rec.Reason,
			Dropped:       rec.Dropped,
		})
	}
}

func (r *Recorder) TurnEnqueued(id world.EntityID, req turns.Request) {
	r.write(translog.Record{
		Kind:          translog.KindEnqueued,
		EntityID:      string(id),
		RequesterID:   req.RequesterID,
		RequesterName: req.RequesterName,
		Text:          req.Text,
	})
}

func (r *Recorder) TurnDispatched(id world.EntityID, req turns.Request) {
	r.write(translog.Record{
		Kind:        translog.KindDispatched,
		EntityID:    string(id),
		RequesterID: req.RequesterID,
	})
}

func (r *Recorder) TurnCompleted(id world.EntityID, req turns.Request) {
	r.write(translog.Record{
		Kind:        translog.KindCompleted,
		EntityID:    string(id),
		RequesterID: req.RequesterID,
	})
}

func (r *Recorder) TurnTimedOut(id world.EntityID, req turns.Request, dropped int) {
	r.write(translog.Record{
		Kind:        translog.KindTimedOut,
		EntityID:    string(id),
		RequesterID: req.RequesterID,
		Dropped:     dropped,
	})
}

func (r *Recorder) TurnAborted(id world.EntityID, req turns.Request, reason string, dropped int) {
	r.write(translog.Record{
		Kind:        translog.KindAborted,
		EntityID:    string(id),
		RequesterID: req.RequesterID,
		Reason:      reason,
		Dropped:     dropped,
	})
}

// Instruction records one executed backend instruction.
func (r *Recorder) Instruction(entityID, requesterID, name string) {
	r.write(translog.Record{
		Kind:        translog.KindInstruction,
		EntityID:    entityID,
		RequesterID: requesterID,
		Instruction: name,
	})
}
