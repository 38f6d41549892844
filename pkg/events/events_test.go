package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aetherhq/aether/pkg/models"
)

func TestNewStatusShape(t *testing.T) {
	ev := NewStatus("task_1", "run_task_1", models.RunStateWorking, "Running", nil)

	assert.Equal(t, TypeStatus, ev.Type())
	assert.Equal(t, "task_1", ev["task_id"])
	assert.Equal(t, "run_task_1", ev["run_id"])
	assert.Equal(t, models.RunStateWorking, ev.State())
	assert.Equal(t, "Running", ev["message"])
	assert.NotNil(t, ev["meta"])
	assert.Regexp(t, `^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}Z$`, ev["ts"])
}

func TestNewArtifactShape(t *testing.T) {
	ev := NewArtifact("task_1", "run_task_1", "step_result", map[string]any{"step_id": "s1"})

	assert.Equal(t, TypeArtifact, ev.Type())
	assert.Equal(t, "step_result", ev.ArtifactType())
	assert.Equal(t, "s1", ev.Artifact()["step_id"])
}

func TestWithSeqDoesNotMutate(t *testing.T) {
	ev := NewStatus("t", "r", models.RunStateSubmitted, "ok", nil)
	seqed := ev.WithSeq(7)

	assert.EqualValues(t, 7, seqed.Seq())
	assert.EqualValues(t, 0, ev.Seq())
}

func TestCanonicalSortsKeysMinimalSeparators(t *testing.T) {
	s, err := Canonical(map[string]any{"b": 2, "a": []any{1, "x"}, "c": map[string]any{"z": true, "y": nil}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":[1,"x"],"b":2,"c":{"y":null,"z":true}}`, s)
}

func TestCanonicalStableAcrossStructAndMap(t *testing.T) {
	type payload struct {
		B int    `json:"b"`
		A string `json:"a"`
	}
	fromStruct, err := Canonical(payload{B: 1, A: "x"})
	require.NoError(t, err)
	fromMap, err := Canonical(map[string]any{"a": "x", "b": 1})
	require.NoError(t, err)
	assert.Equal(t, fromMap, fromStruct)
}

func TestCanonicalNoHTMLEscaping(t *testing.T) {
	s, err := Canonical(map[string]any{"m": "a<b&c>d"})
	require.NoError(t, err)
	assert.Equal(t, `{"m":"a<b&c>d"}`, s)
}

func TestParseKeyringFromJSON(t *testing.T) {
	kr := ParseKeyring(`[{"kid":"k1","secret":"s1","active":false},{"kid":"k2","secret":"s2","active":true}]`, "")

	assert.Equal(t, "k2", kr.ActiveKID)
	assert.Equal(t, "s1", kr.Secret("k1"))
	assert.Equal(t, "s2", kr.Secret("k2"))
	// unknown kid falls back to the active secret
	assert.Equal(t, "s2", kr.Secret("nope"))
}

func TestParseKeyringFallbackSingleKey(t *testing.T) {
	kr := ParseKeyring("", "topsecret")
	assert.Equal(t, "k0", kr.ActiveKID)
	assert.Equal(t, "topsecret", kr.Secret("k0"))

	kr = ParseKeyring("not json", "")
	assert.Equal(t, "k0", kr.ActiveKID)
	assert.Equal(t, DefaultAuditSecret, kr.Secret("k0"))
}

func TestKeyringRotate(t *testing.T) {
	kr := ParseKeyring("", "s0")
	kr.Rotate("k1", "s1", true)

	assert.Equal(t, "k1", kr.ActiveKID)
	assert.Equal(t, "s0", kr.Secret("k0"))
	assert.Equal(t, "s1", kr.Secret("k1"))
	for _, k := range kr.Keys {
		assert.Equal(t, k.KID == "k1", k.Active)
	}
}

func TestChainHashLinks(t *testing.T) {
	c1, err := Canonical(Event{"type": TypeStatus, "_seq": int64(1)})
	require.NoError(t, err)
	h1 := ChainHash("secret", "", c1)
	require.Len(t, h1, 64)

	c2, err := Canonical(Event{"type": TypeStatus, "_seq": int64(2)})
	require.NoError(t, err)
	h2 := ChainHash("secret", h1, c2)

	assert.NotEqual(t, h1, h2)
	// deterministic
	assert.Equal(t, h2, ChainHash("secret", h1, c2))
	// different secret diverges
	assert.NotEqual(t, h2, ChainHash("other", h1, c2))
}
