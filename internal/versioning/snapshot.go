package versioning

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type snapshotCodec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newSnapshotCodec() (*snapshotCodec, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &snapshotCodec{encoder: encoder, decoder: decoder}, nil
}

func (c *snapshotCodec) encode(state StateMap) ([]byte, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	return c.encoder.EncodeAll(raw, nil), nil
}

func (c *snapshotCodec) decode(payload []byte) (StateMap, error) {
	raw, err := c.decoder.DecodeAll(payload, nil)
	if err != nil {
		return StateMap{}, fmt.Errorf("decompress snapshot: %w", err)
	}
	var state StateMap
	if err := json.Unmarshal(raw, &state); err != nil {
		return StateMap{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return state, nil
}

func (s *Service) shouldSnapshot(depth int64) bool {
	return s.snapshotInterval > 0 && depth%int64(s.snapshotInterval) == 0
}

// storeSnapshot caches state for checkpoint when its depth falls on the snapshot interval.
func (s *Service) storeSnapshot(tx *gorm.DB, graph *history, checkpoint *Checkpoint, state StateMap) error {
	if !s.shouldSnapshot(checkpoint.Depth) {
		return nil
	}
	payload, err := s.codec.encode(state)
	if err != nil {
		return err
	}
	row := StateSnapshot{
		CheckpointID: checkpoint.CheckpointID,
		ChatID:       checkpoint.ChatID,
		StateZstd:    payload,
		MessageCount: state.Len(),
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return err
	}
	graph.snapshots[checkpoint.CheckpointID] = struct{}{}
	return nil
}

func (s *Service) loadSnapshot(tx *gorm.DB, checkpointID string) (StateMap, error) {
	var row StateSnapshot
	if err := tx.Where(fieldCheckpointID+" = ?", checkpointID).Take(&row).Error; err != nil {
		return StateMap{}, err
	}
	return s.codec.decode(row.StateZstd)
}

// materialize replays tipID's chain, starting from the nearest cached snapshot.
// A nil tip is the empty state.
func (s *Service) materialize(tx *gorm.DB, graph *history, tipID *string) (StateMap, error) {
	if tipID == nil {
		return NewStateMap(), nil
	}
	chain, err := graph.chain(*tipID)
	if err != nil {
		return StateMap{}, err
	}

	state := NewStateMap()
	start := 0
	for index := len(chain) - 1; index >= 0; index-- {
		id := chain[index].CheckpointID
		if _, cached := graph.snapshots[id]; !cached {
			continue
		}
		snapshot, loadErr := s.loadSnapshot(tx, id)
		if loadErr != nil {
			s.loggerOrDefault().Warn("ignoring unreadable state snapshot",
				zap.String(fieldCheckpointID, id),
				zap.Error(loadErr),
			)
			continue
		}
		state = snapshot
		start = index + 1
		break
	}

	return replay(state, chain[start:])
}

func replay(state StateMap, chain []*Checkpoint) (StateMap, error) {
	for _, checkpoint := range chain {
		delta, err := checkpoint.Delta()
		if err != nil {
			return StateMap{}, fmt.Errorf("%w: checkpoint %s has unreadable delta: %v", ErrCorruptHistory, checkpoint.CheckpointID, err)
		}
		state = ApplyDelta(state, delta)
	}
	return state, nil
}

// Materialize replays a root-to-tip chain of checkpoints into a fresh state.
func Materialize(chain []Checkpoint) (StateMap, error) {
	pointers := make([]*Checkpoint, 0, len(chain))
	for index := range chain {
		pointers = append(pointers, &chain[index])
	}
	return replay(NewStateMap(), pointers)
}
