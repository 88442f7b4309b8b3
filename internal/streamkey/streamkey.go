// ABOUTME: Builds log stream addresses from entity identities
// ABOUTME: Grammar is prefix[:namespace]:entity_type:entity_id[:suffix...]

package streamkey

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultPrefix is used when a Builder has no prefix configured.
const DefaultPrefix = "AG1"

// Entity types used by the bus.
const (
	EntityAgent   = "agent"
	EntityUser    = "user"
	EntitySession = "session"
	EntityEdge    = "edge"
	EntitySystem  = "system"
)

const deadSuffix = ":dead"

// ErrInvalidSegment is returned when a key segment is empty or contains the separator.
var ErrInvalidSegment = errors.New("invalid stream key segment")

// Key is the structured form of a stream address.
type Key struct {
	Prefix     string
	Namespace  string
	EntityType string
	EntityID   string
	Suffix     []string
}

// String renders the key. Identical keys always render to identical strings.
func (k Key) String() string {
	parts := make([]string, 0, 4+len(k.Suffix))
	parts = append(parts, k.Prefix)
	if k.Namespace != "" {
		parts = append(parts, k.Namespace)
	}
	parts = append(parts, k.EntityType, k.EntityID)
	parts = append(parts, k.Suffix...)
	return strings.Join(parts, ":")
}

// Builder produces stream keys under a fixed prefix and optional namespace.
// Keys are never assembled by hand elsewhere.
type Builder struct {
	Prefix    string
	Namespace string
}

// New returns a Builder, falling back to DefaultPrefix.
func New(prefix, namespace string) Builder {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Builder{Prefix: prefix, Namespace: namespace}
}

func (b Builder) prefix() string {
	if b.Prefix == "" {
		return DefaultPrefix
	}
	return b.Prefix
}

func validSegment(s string) bool {
	return s != "" && !strings.ContainsAny(s, ": \t\r\n")
}

// Key validates every segment and renders the address.
func (b Builder) Key(entityType, entityID string, suffix ...string) (string, error) {
	k := Key{Prefix: b.prefix(), Namespace: b.Namespace, EntityType: entityType, EntityID: entityID, Suffix: suffix}
	if b.Namespace != "" && !validSegment(b.Namespace) {
		return "", fmt.Errorf("%w: namespace %q", ErrInvalidSegment, b.Namespace)
	}
	segments := append([]string{k.Prefix, entityType, entityID}, suffix...)
	for _, s := range segments {
		if !validSegment(s) {
			return "", fmt.Errorf("%w: %q in %v", ErrInvalidSegment, s, segments)
		}
	}
	return k.String(), nil
}

// AgentInbox is prefix:agent:<name>:inbox.
func (b Builder) AgentInbox(name string) (string, error) {
	return b.Key(EntityAgent, name, "inbox")
}

// AgentOutbox is prefix:agent:<name>:outbox.
func (b Builder) AgentOutbox(name string) (string, error) {
	return b.Key(EntityAgent, name, "outbox")
}

// RPCReply is prefix:agent:<name>:rpc:<correlation_id>.
func (b Builder) RPCReply(name, correlationID string) (string, error) {
	return b.Key(EntityAgent, name, "rpc", correlationID)
}

// UserInbox is prefix:user:<id>:inbox.
func (b Builder) UserInbox(userID string) (string, error) {
	return b.Key(EntityUser, userID, "inbox")
}

// SessionStream is prefix:session:<code>:stream.
func (b Builder) SessionStream(code string) (string, error) {
	return b.Key(EntitySession, code, "stream")
}

// EdgeInbox is prefix:edge:<service>:<instance>:inbox.
func (b Builder) EdgeInbox(service, instance string) (string, error) {
	if instance == "" {
		instance = "main"
	}
	return b.Key(EntityEdge, service, instance, "inbox")
}

// Discovery is prefix:system:bus:discovery, announcing newly created streams.
func (b Builder) Discovery() string {
	k, _ := b.Key(EntitySystem, "bus", "discovery")
	return k
}

// Parse splits a key rendered by this builder back into its parts.
func (b Builder) Parse(key string) (Key, error) {
	head := b.prefix() + ":"
	if b.Namespace != "" {
		head += b.Namespace + ":"
	}
	rest, ok := strings.CutPrefix(key, head)
	if !ok {
		return Key{}, fmt.Errorf("%w: %q is outside %q", ErrInvalidSegment, key, strings.TrimSuffix(head, ":"))
	}
	parts := strings.Split(rest, ":")
	if len(parts) < 2 {
		return Key{}, fmt.Errorf("%w: %q has no entity id", ErrInvalidSegment, key)
	}
	for _, p := range parts {
		if p == "" {
			return Key{}, fmt.Errorf("%w: empty segment in %q", ErrInvalidSegment, key)
		}
	}
	k := Key{Prefix: b.prefix(), Namespace: b.Namespace, EntityType: parts[0], EntityID: parts[1]}
	if len(parts) > 2 {
		k.Suffix = parts[2:]
	}
	return k, nil
}

// Dead returns the dead-letter stream for stream.
func Dead(stream string) string {
	return stream + deadSuffix
}

// IsDead reports whether stream is a dead-letter stream.
func IsDead(stream string) bool {
	return strings.HasSuffix(stream, deadSuffix)
}
