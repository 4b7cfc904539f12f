package wal

import (
	"context"
	"fmt"

	"github.com/0xHoneyJar/loa-beauvoir-sub001/internal/trackercli"
)

// Tracker is the subset of trackercli.Client's methods TrackerDispatcher
// drives, narrowed the same way workqueue.Tracker narrows it.
type Tracker interface {
	Create(ctx context.Context, args ...string) ([]byte, error)
	Update(ctx context.Context, id string, fields map[string]string) error
	Close(ctx context.Context, id string) error
	Reopen(ctx context.Context, id string) error
	LabelAdd(ctx context.Context, id, label string) error
	LabelRemove(ctx context.Context, id, label string) error
	DepAdd(ctx context.Context, id, target string) error
	DepRemove(ctx context.Context, id, target string) error
	CommentAdd(ctx context.Context, id, text string) error
}

// TrackerDispatcher is the Dispatcher implementation used in production:
// it maps a WAL Operation and its flattened string payload back onto the
// corresponding internal/trackercli.Client call.
type TrackerDispatcher struct {
	tracker Tracker
}

// NewTrackerDispatcher builds a Dispatcher backed by tracker.
func NewTrackerDispatcher(tracker Tracker) *TrackerDispatcher {
	return &TrackerDispatcher{tracker: tracker}
}

var _ Tracker = (*trackercli.Client)(nil)

func (d *TrackerDispatcher) Dispatch(ctx context.Context, op Operation, targetID string, payload map[string]string) error {
	switch op {
	case OpCreate:
		_, err := d.tracker.Create(ctx, payload["args"])
		return err
	case OpUpdate:
		return d.tracker.Update(ctx, targetID, payload)
	case OpClose:
		return d.tracker.Close(ctx, targetID)
	case OpReopen:
		return d.tracker.Reopen(ctx, targetID)
	case OpLabelAdd:
		return d.tracker.LabelAdd(ctx, targetID, payload["label"])
	case OpLabelRemove:
		return d.tracker.LabelRemove(ctx, targetID, payload["label"])
	case OpDepAdd:
		return d.tracker.DepAdd(ctx, targetID, payload["target"])
	case OpDepRemove:
		return d.tracker.DepRemove(ctx, targetID, payload["target"])
	case OpCommentAdd:
		return d.tracker.CommentAdd(ctx, targetID, payload["text"])
	default:
		return fmt.Errorf("wal: unknown operation %q", op)
	}
}
