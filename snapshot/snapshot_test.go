package snapshot

import (
	"math"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalizeSortsKeysAtEveryDepth(t *testing.T) {
	value := map[string]interface{}{
		"zone": "zone-A",
		"b":    map[string]interface{}{"z": 1, "a": []interface{}{3, 1, 2}},
		"a":    true,
	}
	canonical, err := Canonicalize(value)
	require.NoError(t, err)
	assert.Equal(t, `{"a":true,"b":{"a":[3,1,2],"z":1},"zone":"zone-A"}`, canonical)
}

func TestCanonicalizePrimitives(t *testing.T) {
	cases := []struct {
		in   interface{}
		want string
	}{
		{nil, "null"},
		{false, "false"},
		{"<tag> & \"quote\"", `"<tag> & \"quote\""`},
		{42, "42"},
		{int64(-7), "-7"},
		{uint64(18446744073709551615), "18446744073709551615"},
		{1.0, "1"},
		{-0.0, "0"},
		{23.5, "23.5"},
		{0.1, "0.1"},
		{1e21, "1e+21"},
		{json.Number("100"), "100"},
		{json.Number("1.50"), "1.5"},
		{json.Number("123456789012345678901234567890"), "123456789012345678901234567890"},
		{[]string{"x", "y"}, `["x","y"]`},
		{map[string]float64{"t": 12.25}, `{"t":12.25}`},
	}
	for _, c := range cases {
		got, err := Canonicalize(c.in)
		require.NoError(t, err, "%v", c.in)
		assert.Equal(t, c.want, got, "%#v", c.in)
	}
}

func TestCanonicalizeRejectsNonFinite(t *testing.T) {
	_, err := Canonicalize(map[string]interface{}{"temp_c": math.NaN()})
	assert.Error(t, err)
	_, err = Canonicalize([]interface{}{math.Inf(1)})
	assert.Error(t, err)
}

func TestCanonicalizeRejectsUnsupportedTypes(t *testing.T) {
	_, err := Canonicalize(map[string]interface{}{"ch": make(chan int)})
	assert.Error(t, err)
	_, err = Canonicalize(map[int]string{1: "a"})
	assert.Error(t, err)
}

func TestComputeContentHashIsOrderIndependent(t *testing.T) {
	a := Snapshot{}
	a["device_id"] = "esp32-01"
	a["zone"] = "zone-A"
	a["soil_moisture_pct"] = 31
	a["readings"] = []interface{}{map[string]interface{}{"k": 1, "j": 2}}

	b := Snapshot{}
	b["readings"] = []interface{}{map[string]interface{}{"j": 2, "k": 1}}
	b["soil_moisture_pct"] = 31
	b["zone"] = "zone-A"
	b["device_id"] = "esp32-01"

	ha, err := ComputeContentHash(a)
	require.NoError(t, err)
	hb, err := ComputeContentHash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
	assert.True(t, strings.HasPrefix(ha, "0x"))
	assert.Len(t, ha, 66)
	assert.Equal(t, strings.ToLower(ha), ha)
}

func TestComputeContentHashDetectsChanges(t *testing.T) {
	base := Snapshot{"zone": "zone-A", "ts": 1700000000, "vals": []interface{}{1, 2, 3}}
	h0, err := ComputeContentHash(base)
	require.NoError(t, err)

	variants := []Snapshot{
		{"zone": "zone-B", "ts": 1700000000, "vals": []interface{}{1, 2, 3}},
		{"zone": "zone-A", "ts": 1700000000, "vals": []interface{}{1, 3, 2}},
		{"zone": "zone-A", "ts": 1700000000},
		{"zone": "zone-A", "ts": 1700000000, "vals": []interface{}{1, 2, 3}, "extra": nil},
	}
	for _, v := range variants {
		h, err := ComputeContentHash(v)
		require.NoError(t, err)
		assert.NotEqual(t, h0, h, "%v should hash differently", v)
	}
}

func TestComputeContentHashMatchesKeccakOfCanonical(t *testing.T) {
	s := Snapshot{"b": 2, "a": 1}
	h, err := ComputeContentHash(s)
	require.NoError(t, err)
	assert.Equal(t, crypto.Keccak256Hash([]byte(`{"a":1,"b":2}`)).Hex(), h)
}

func TestDecodedAndLiteralSnapshotsAgree(t *testing.T) {
	decoded, err := DecodeSnapshot(strings.NewReader(`{"zone":"zone-A","temp_c":21.5,"ts":1700000000}`))
	require.NoError(t, err)
	literal := Snapshot{"ts": 1700000000, "temp_c": 21.5, "zone": "zone-A"}
	h1, err := ComputeContentHash(decoded)
	require.NoError(t, err)
	h2, err := ComputeContentHash(literal)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	_, err = DecodeSnapshot(strings.NewReader(`[1,2]`))
	assert.Error(t, err)
}

func TestParseContentHash(t *testing.T) {
	h := "0x" + strings.Repeat("Ab", 32)
	b, err := ParseContentHash(h)
	require.NoError(t, err)
	assert.Equal(t, byte(0xab), b[0])
	assert.Equal(t, byte(0xab), b[31])

	norm, err := NormalizeContentHash(h)
	require.NoError(t, err)
	assert.Equal(t, "0x"+strings.Repeat("ab", 32), norm)

	for _, bad := range []string{"", "0x1234", strings.Repeat("ab", 32), "0x" + strings.Repeat("zz", 32)} {
		_, err := ParseContentHash(bad)
		assert.Error(t, err, bad)
	}
}
