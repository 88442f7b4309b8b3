// ABOUTME: Envelope is the canonical message carried on every log entry
// ABOUTME: Includes the wire codec, ingress validation and reply construction helpers

package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"time"
)

// Envelope types.
const (
	TypeMessage      = "message"
	TypeMessageReply = "message_reply"
	TypeProgress     = "progress"
	TypeTimeout      = "timeout"
	TypeProcessCrash = "process_crash"
	TypeError        = "error"
	TypeDiscovery    = "discovery"
)

// Common roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleAgent     = "agent"
)

// DefaultSizeLimit is the largest encoded envelope accepted by default (1 MiB).
const DefaultSizeLimit = 1 << 20

var (
	// ErrMalformed is returned when an envelope cannot be decoded or fails validation.
	ErrMalformed = errors.New("malformed envelope")
	// ErrTooLarge is returned when an encoded envelope exceeds the size limit.
	ErrTooLarge = errors.New("envelope too large")
)

// Envelope is the unit of communication on the log.
type Envelope struct {
	EnvelopeID    string            `json:"envelope_id,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Role          string            `json:"role"`
	Content       Content           `json:"content"`
	Target        string            `json:"target,omitempty"`
	ReplyTo       string            `json:"reply_to,omitempty"`
	SessionCode   string            `json:"session_code,omitempty"`
	AgentName     string            `json:"agent_name,omitempty"`
	UserID        string            `json:"user_id,omitempty"`
	TaskID        string            `json:"task_id,omitempty"`
	EnvelopeType  string            `json:"envelope_type,omitempty"`
	Meta          map[string]any    `json:"meta,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Usage         map[string]any    `json:"usage,omitempty"`
	Trace         []string          `json:"trace,omitempty"`
	ToolsUsed     []string          `json:"tools_used,omitempty"`
	AuthSignature string            `json:"auth_signature,omitempty"`
	Timestamp     string            `json:"timestamp,omitempty"`
	DeliveryCount int64             `json:"delivery_count,omitempty"`
	ConsumerGroup string            `json:"consumer_group,omitempty"`
	ConsumerID    string            `json:"consumer_id,omitempty"`
}

// New creates an envelope with normalized content and the current timestamp.
func New(role string, content any) *Envelope {
	if role == "" {
		role = RoleUser
	}
	return &Envelope{
		Role:         role,
		Content:      Normalize(content),
		EnvelopeType: TypeMessage,
		Timestamp:    time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// Reply builds a response to req that carries the same correlation id and session code.
func Reply(req *Envelope, role, envelopeType string, content any) *Envelope {
	env := New(role, content)
	env.EnvelopeType = envelopeType
	env.CorrelationID = req.CorrelationID
	env.SessionCode = req.SessionCode
	env.UserID = req.UserID
	env.TaskID = req.TaskID
	if len(req.Trace) > 0 {
		env.Trace = slices.Clone(req.Trace)
	}
	return env
}

// SetText replaces the content with text-only content.
func (e *Envelope) SetText(s string) {
	e.Content = Text(s)
}

// Type returns the envelope type, defaulting to message.
func (e *Envelope) Type() string {
	if e.EnvelopeType == "" {
		return TypeMessage
	}
	return e.EnvelopeType
}

// ExpectsReply reports whether the sender asked for a response.
func (e *Envelope) ExpectsReply() bool {
	return e.ReplyTo != ""
}

// SetMeta sets a sidecar value, allocating the meta map if needed.
func (e *Envelope) SetMeta(key string, value any) {
	if e.Meta == nil {
		e.Meta = make(map[string]any)
	}
	e.Meta[key] = value
}

// MetaString returns a string-valued meta entry.
func (e *Envelope) MetaString(key string) string {
	s, _ := e.Meta[key].(string)
	return s
}

// AddHop appends "who:<unix seconds>" to the trace.
func (e *Envelope) AddHop(who string) {
	e.Trace = append(e.Trace, who+":"+strconv.FormatInt(time.Now().Unix(), 10))
}

// Time parses the timestamp. Zero time is returned when absent or unparseable.
func (e *Envelope) Time() time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, e.Timestamp); err == nil {
			return t
		}
	}
	return time.Time{}
}

// Clone returns a deep copy of the envelope.
func (e *Envelope) Clone() *Envelope {
	c := *e
	c.Meta = maps.Clone(e.Meta)
	c.Headers = maps.Clone(e.Headers)
	c.Usage = maps.Clone(e.Usage)
	c.Trace = slices.Clone(e.Trace)
	c.ToolsUsed = slices.Clone(e.ToolsUsed)
	return &c
}

// Validate checks the ingress invariants.
func (e *Envelope) Validate() error {
	if e.Role == "" {
		return fmt.Errorf("%w: role is required", ErrMalformed)
	}
	if e.ReplyTo != "" && e.CorrelationID == "" {
		return fmt.Errorf("%w: reply_to %q set without correlation_id", ErrMalformed, e.ReplyTo)
	}
	if v, ok := e.Content.Get("text"); !ok {
		return fmt.Errorf("%w: content has no text", ErrMalformed)
	} else if _, isString := v.(string); !isString {
		return fmt.Errorf("%w: content text is %T, not a string", ErrMalformed, v)
	}
	return nil
}

// UnmarshalJSON applies defaults for fields absent on the wire.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	type wire Envelope
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = Envelope(w)
	if e.Role == "" {
		e.Role = RoleUser
	}
	if e.EnvelopeType == "" {
		e.EnvelopeType = TypeMessage
	}
	return nil
}

// Encode serializes the envelope to its JSON wire form.
func Encode(e *Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// EncodeLimit serializes the envelope and rejects results larger than limit bytes.
// A limit of zero or less disables the check.
func EncodeLimit(e *Envelope, limit int) ([]byte, error) {
	b, err := Encode(e)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(b) > limit {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrTooLarge, len(b), limit)
	}
	return b, nil
}

// Decode parses the JSON wire form. Failures wrap ErrMalformed.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &e, nil
}
