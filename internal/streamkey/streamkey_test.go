// ABOUTME: Tests for stream key construction and parsing

package streamkey

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHelpers(t *testing.T) {
	b := New("", "")

	inbox, err := b.AgentInbox("bob")
	require.NoError(t, err)
	assert.Equal(t, "AG1:agent:bob:inbox", inbox)

	reply, err := b.RPCReply("alice", "c-1")
	require.NoError(t, err)
	assert.Equal(t, "AG1:agent:alice:rpc:c-1", reply)

	edge, err := b.EdgeInbox("mcp", "")
	require.NoError(t, err)
	assert.Equal(t, "AG1:edge:mcp:main:inbox", edge)

	sess, err := b.SessionStream("sess_1")
	require.NoError(t, err)
	assert.Equal(t, "AG1:session:sess_1:stream", sess)

	assert.Equal(t, "AG1:system:bus:discovery", b.Discovery())
	assert.Equal(t, "AG1:agent:bob:inbox:dead", Dead(inbox))
	assert.True(t, IsDead(Dead(inbox)))
}

func TestNamespace(t *testing.T) {
	b := New("aether", "prod")
	k, err := b.UserInbox("u1")
	require.NoError(t, err)
	assert.Equal(t, "aether:prod:user:u1:inbox", k)
}

func TestDeterministic(t *testing.T) {
	a, _ := New("p", "").AgentOutbox("x")
	b, _ := Builder{Prefix: "p"}.AgentOutbox("x")
	assert.Equal(t, a, b)
}

func TestRejectsBadSegments(t *testing.T) {
	b := New("", "")
	for _, name := range []string{"", "a:b", "has space", "tab\t"} {
		_, err := b.AgentInbox(name)
		assert.ErrorIs(t, err, ErrInvalidSegment, "name %q", name)
	}

	_, err := Builder{Prefix: "p", Namespace: "x:y"}.AgentInbox("ok")
	assert.ErrorIs(t, err, ErrInvalidSegment)
}

func TestParseRoundTrip(t *testing.T) {
	b := New("aether", "ns")
	key, err := b.RPCReply("alice", "cid")
	require.NoError(t, err)

	parsed, err := b.Parse(key)
	require.NoError(t, err)
	assert.Equal(t, "agent", parsed.EntityType)
	assert.Equal(t, "alice", parsed.EntityID)
	assert.Equal(t, []string{"rpc", "cid"}, parsed.Suffix)
	assert.Equal(t, key, parsed.String())

	_, err = b.Parse("other:ns:agent:x:inbox")
	assert.ErrorIs(t, err, ErrInvalidSegment)
	_, err = b.Parse("aether:ns:agent")
	assert.ErrorIs(t, err, ErrInvalidSegment)
}
