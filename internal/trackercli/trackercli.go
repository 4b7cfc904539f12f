// Package trackercli wraps the external issue-tracker CLI the Work Queue
// and WAL Adapter drive (§6 "CLI contract for the external issue-tracker
// adapter", §4.9, §4.11). Every invocation is an argument vector — never
// a shell string — and every externally supplied identifier is checked
// against the restricted character set before it reaches exec.Command.
// Grounded on the teacher's test/contract/neoexpress.go pattern:
// exec.CommandContext per call, CombinedOutput, and a timeout derived
// from context rather than a library-level retry loop.
package trackercli

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"time"

	"github.com/tidwall/gjson"
)

var idRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidID reports whether id satisfies the CLI contract's restricted
// character set.
func ValidID(id string) bool {
	return idRe.MatchString(id)
}

// Task is the subset of tracker fields the kernel reads back from `show`
// and `list` JSON output.
type Task struct {
	ID          string
	Labels      []string
	Status      string
	Description string
	Priority    int
	Raw         gjson.Result
}

// Comment is one entry from `comments list --json`.
type Comment struct {
	Author string
	Body   string
	At     time.Time
}

// Client drives the external tracker CLI.
type Client struct {
	binary  string
	timeout time.Duration
}

// Config configures a Client.
type Config struct {
	// Binary is the path or name of the tracker CLI executable.
	Binary string
	// Timeout bounds every individual CLI invocation.
	Timeout time.Duration
}

// New constructs a Client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{binary: cfg.Binary, timeout: cfg.Timeout}
}

func (c *Client) run(ctx context.Context, args ...string) ([]byte, error) {
	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, c.binary, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("trackercli: %v: %s: %w", args, string(out), err)
	}
	return out, nil
}

func checkID(id string) error {
	if !ValidID(id) {
		return fmt.Errorf("trackercli: invalid task id %q", id)
	}
	return nil
}

// Create issues `create`, returning the raw CombinedOutput for the caller
// to parse (the tracker's create-response shape is not part of the fixed
// contract).
func (c *Client) Create(ctx context.Context, args ...string) ([]byte, error) {
	return c.run(ctx, append([]string{"create"}, args...)...)
}

// Update issues `update <id>`.
func (c *Client) Update(ctx context.Context, id string, fields map[string]string) error {
	if err := checkID(id); err != nil {
		return err
	}
	args := []string{"update", id}
	for k, v := range fields {
		args = append(args, "--"+k, v)
	}
	_, err := c.run(ctx, args...)
	return err
}

// Close issues `close <id>`.
func (c *Client) Close(ctx context.Context, id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	_, err := c.run(ctx, "close", id)
	return err
}

// Reopen issues `reopen <id>`.
func (c *Client) Reopen(ctx context.Context, id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	_, err := c.run(ctx, "reopen", id)
	return err
}

// LabelAdd issues `label add <id> <label>`.
func (c *Client) LabelAdd(ctx context.Context, id, label string) error {
	if err := checkID(id); err != nil {
		return err
	}
	_, err := c.run(ctx, "label", "add", id, label)
	return err
}

// LabelRemove issues `label remove <id> <label>`.
func (c *Client) LabelRemove(ctx context.Context, id, label string) error {
	if err := checkID(id); err != nil {
		return err
	}
	_, err := c.run(ctx, "label", "remove", id, label)
	return err
}

// DepAdd issues `dep add <id> <target>`.
func (c *Client) DepAdd(ctx context.Context, id, target string) error {
	if err := checkID(id); err != nil {
		return err
	}
	if err := checkID(target); err != nil {
		return err
	}
	_, err := c.run(ctx, "dep", "add", id, target)
	return err
}

// DepRemove issues `dep remove <id> <target>`.
func (c *Client) DepRemove(ctx context.Context, id, target string) error {
	if err := checkID(id); err != nil {
		return err
	}
	if err := checkID(target); err != nil {
		return err
	}
	_, err := c.run(ctx, "dep", "remove", id, target)
	return err
}

// CommentAdd issues `comments add <id> <text>`.
func (c *Client) CommentAdd(ctx context.Context, id, text string) error {
	if err := checkID(id); err != nil {
		return err
	}
	_, err := c.run(ctx, "comments", "add", id, text)
	return err
}

// CommentsList issues `comments list <id> --json` and parses the result,
// keeping the entries in the order the CLI prints them.
func (c *Client) CommentsList(ctx context.Context, id string) ([]Comment, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	out, err := c.run(ctx, "comments", "list", id, "--json")
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(out) {
		return nil, fmt.Errorf("trackercli: comments list %q: invalid json output", id)
	}
	var comments []Comment
	gjson.ParseBytes(out).ForEach(func(_, value gjson.Result) bool {
		at, _ := time.Parse(time.RFC3339, value.Get("at").String())
		comments = append(comments, Comment{
			Author: value.Get("author").String(),
			Body:   value.Get("body").String(),
			At:     at,
		})
		return true
	})
	return comments, nil
}

// List issues `list --label <L> --status <S> --json`. Either filter may
// be empty to omit that flag.
func (c *Client) List(ctx context.Context, label, status string) ([]Task, error) {
	args := []string{"list"}
	if label != "" {
		args = append(args, "--label", label)
	}
	if status != "" {
		args = append(args, "--status", status)
	}
	args = append(args, "--json")

	out, err := c.run(ctx, args...)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(out) {
		return nil, fmt.Errorf("trackercli: list: invalid json output")
	}

	var tasks []Task
	gjson.ParseBytes(out).ForEach(func(_, value gjson.Result) bool {
		tasks = append(tasks, taskFromJSON(value))
		return true
	})
	return tasks, nil
}

// Show issues `show <id> --json`.
func (c *Client) Show(ctx context.Context, id string) (Task, error) {
	if err := checkID(id); err != nil {
		return Task{}, err
	}
	out, err := c.run(ctx, "show", id, "--json")
	if err != nil {
		return Task{}, err
	}
	if !gjson.ValidBytes(out) {
		return Task{}, fmt.Errorf("trackercli: show %q: invalid json output", id)
	}
	return taskFromJSON(gjson.ParseBytes(out)), nil
}

// Sync issues `sync --flush-only`, flushing the CLI's own on-disk store.
func (c *Client) Sync(ctx context.Context) error {
	_, err := c.run(ctx, "sync", "--flush-only")
	return err
}

func taskFromJSON(v gjson.Result) Task {
	var labels []string
	v.Get("labels").ForEach(func(_, l gjson.Result) bool {
		labels = append(labels, l.String())
		return true
	})
	return Task{
		ID:          v.Get("id").String(),
		Labels:      labels,
		Status:      v.Get("status").String(),
		Description: v.Get("description").String(),
		Priority:    int(v.Get("priority").Int()),
		Raw:         v,
	}
}

// HasLabel reports whether t carries label.
func (t Task) HasLabel(label string) bool {
	for _, l := range t.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// SessionLabels returns the subset of t's labels matching "session:*".
func (t Task) SessionLabels() []string {
	var out []string
	for _, l := range t.Labels {
		if len(l) > 8 && l[:8] == "session:" {
			out = append(out, l)
		}
	}
	return out
}
