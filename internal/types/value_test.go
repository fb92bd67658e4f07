package types

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValueJSONRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		v    Value
		hint Kind
	}{
		{"null-text", NullValue(KindText), KindText},
		{"null-int", NullValue(KindInt), KindInt},
		{"int", IntValue(42), KindInt},
		{"negative-int", IntValue(-7), KindInt},
		{"bool-true", BoolValue(true), KindBool},
		{"bool-false", BoolValue(false), KindBool},
		{"text", TextValue("hello world"), KindText},
		{"text-empty", TextValue(""), KindText},
		{"date", DateValue("2026-07-29"), KindDate},
		{"timestamp", TimestampValue("2026-07-29T12:00:00Z"), KindTimestamp},
		{"blob", BlobValue([]byte{0xDE, 0xAD, 0xBE, 0xEF}), KindBlob},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw, err := json.Marshal(tc.v)
			require.NoError(t, err)

			got, err := ValueFromJSON(raw, tc.hint)
			require.NoError(t, err)
			require.True(t, tc.v.Equal(got), "round trip mismatch: %+v vs %+v (json=%s)", tc.v, got, raw)
		})
	}
}

func TestValueJSONRoundTripFloatULP(t *testing.T) {
	in := FloatValue(3.14159265358979)
	raw, err := json.Marshal(in)
	require.NoError(t, err)

	got, err := ValueFromJSON(raw, KindFloat)
	require.NoError(t, err)

	f1, _ := in.Float()
	f2, _ := got.Float()
	require.InDelta(t, f1, f2, math.Abs(f1)*1e-15+1e-300)
}

func TestValueBlobHexEncoding(t *testing.T) {
	v := BlobValue([]byte{0x01, 0xAB, 0xFF})
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	require.Equal(t, `"01abff"`, string(raw))
}

func TestValueNullMarshalsToJSONNull(t *testing.T) {
	raw, err := json.Marshal(NullValue(KindInt))
	require.NoError(t, err)
	require.Equal(t, "null", string(raw))
}

func TestValueFromJSONRejectsUnsupportedType(t *testing.T) {
	_, err := ValueFromJSON(json.RawMessage(`[1,2,3]`), KindText)
	require.Error(t, err)
}

func TestValueFromJSONIntVsFloat(t *testing.T) {
	v, err := ValueFromJSON(json.RawMessage(`5`), KindNull)
	require.NoError(t, err)
	require.Equal(t, KindInt, v.Kind())

	v, err = ValueFromJSON(json.RawMessage(`5.5`), KindNull)
	require.NoError(t, err)
	require.Equal(t, KindFloat, v.Kind())
}

func TestSchemaPrimaryKeyColumns(t *testing.T) {
	s := Schema{
		Columns: []Column{
			{Name: "id", PrimaryKey: true},
			{Name: "tenant_id", PrimaryKey: true},
			{Name: "name"},
		},
	}
	pk := s.PrimaryKeyColumns()
	require.Len(t, pk, 2)
	require.Equal(t, "id", pk[0].Name)
	require.Equal(t, "tenant_id", pk[1].Name)
	require.Equal(t, -1, s.ColumnIndex("missing"))
	require.Equal(t, 2, s.ColumnIndex("name"))
}

func TestResultSetValidate(t *testing.T) {
	rs := ResultSet{
		Columns: []ResultColumn{{Name: "id", Type: KindInt}, {Name: "v", Type: KindText}},
		Rows: []Row{
			{IntValue(1), TextValue("a")},
			{IntValue(2), TextValue("b")},
		},
	}
	require.NoError(t, rs.Validate())

	rs.Rows = append(rs.Rows, Row{IntValue(3)})
	require.Error(t, rs.Validate())
}
