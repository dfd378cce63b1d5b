package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJSON_Scan(t *testing.T) {
	var actual JSON

	require.NoError(t, actual.Scan(nil))
	require.False(t, actual.Valid)

	require.NoError(t, actual.Scan([]byte(`{"a":1}`)))
	require.True(t, actual.Valid)
	require.JSONEq(t, `{"a":1}`, string(actual.Raw))

	require.NoError(t, actual.Scan(`{"b":2}`))
	require.True(t, actual.Valid)
	require.JSONEq(t, `{"b":2}`, string(actual.Raw))

	require.Error(t, actual.Scan(42))
}

func TestJSON_Value(t *testing.T) {
	v, err := JSON{}.Value()
	require.NoError(t, err)
	require.Nil(t, v)

	v, err = MakeJSON([]byte(`{"a":1}`)).Value()
	require.NoError(t, err)
	require.Equal(t, []byte(`{"a":1}`), v)
}

func TestJSON_MarshalJSON(t *testing.T) {
	b, err := JSON{}.MarshalJSON()
	require.NoError(t, err)
	require.Equal(t, "null", string(b))

	b, err = MakeJSON([]byte(`{"a":1}`)).MarshalJSON()
	require.NoError(t, err)
	require.JSONEq(t, `{"a":1}`, string(b))
}
