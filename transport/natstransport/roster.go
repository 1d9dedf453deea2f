package natstransport

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ximik/rumpy/errors"
	"github.com/ximik/rumpy/natsclient"
	"github.com/ximik/rumpy/peer"
	"github.com/ximik/rumpy/transport"
)

// rosterRecord is the JSON value stored per peer in the roster bucket
type rosterRecord struct {
	Peer      peer.ID               `json:"peer"`
	State     transport.RosterState `json:"state"`
	UpdatedAt time.Time             `json:"updated_at"`
}

func decodeRecord(data []byte) (rosterRecord, error) {
	var rec rosterRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrDataCorrupted, err),
			"NATSTransport", "decodeRecord", "unmarshal roster entry")
	}
	if !rec.State.Valid() {
		return rec, errors.WrapInvalid(fmt.Errorf("%w: state %q", errors.ErrDataCorrupted, rec.State),
			"NATSTransport", "decodeRecord", "check roster state")
	}
	return rec, nil
}

// roster wraps the KV bucket holding the bot's roster
type roster struct {
	kv     *natsclient.KVStore
	now    func() time.Time
	logger *slog.Logger
}

func (r *roster) list(ctx context.Context) ([]transport.RosterEntry, error) {
	keys, err := r.kv.Keys(ctx)
	if err != nil {
		return nil, err
	}

	entries := make([]transport.RosterEntry, 0, len(keys))
	for _, key := range keys {
		entry, err := r.kv.Get(ctx, key)
		if err != nil {
			if natsclient.IsKVNotFoundError(err) {
				continue
			}
			return nil, err
		}
		rec, err := decodeRecord(entry.Value)
		if err != nil {
			r.logger.Warn("Skipping corrupt roster record", "key", key, "error", err)
			continue
		}
		entries = append(entries, transport.RosterEntry{Peer: rec.Peer, State: rec.State})
	}
	return entries, nil
}

// transition moves id to the state next returns for its current state. next
// receives ok=false for a missing entry and returns keep=false to leave the
// roster untouched.
func (r *roster) transition(ctx context.Context, id peer.ID,
	next func(current transport.RosterState, ok bool) (transport.RosterState, bool)) error {

	return r.kv.UpdateWithRetry(ctx, id.Token(), func(current []byte) ([]byte, error) {
		var state transport.RosterState
		ok := current != nil
		if ok {
			rec, err := decodeRecord(current)
			if err != nil {
				return nil, err
			}
			state = rec.State
		}

		target, keep := next(state, ok)
		if !keep {
			return nil, errSkip
		}
		return json.Marshal(rosterRecord{Peer: id, State: target, UpdatedAt: r.now().UTC()})
	})
}

func (r *roster) remove(ctx context.Context, id peer.ID) error {
	return r.kv.Delete(ctx, id.Token())
}

// errSkip aborts a transition that has nothing to change
var errSkip = stderrors.New("roster transition skipped")
