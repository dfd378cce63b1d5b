package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecimal_Scan(t *testing.T) {
	subtests := []struct {
		name   string
		input  interface{}
		output Decimal
		error  bool
	}{
		{"nil", nil, Decimal{}, false},
		{"bytes", []byte("12345.6789"), MakeDecimal("12345.6789"), false},
		{"string", "12345.6789", MakeDecimal("12345.6789"), false},
		{"unsupported", struct{}{}, Decimal{}, true},
	}

	for _, st := range subtests {
		t.Run(st.name, func(t *testing.T) {
			var actual Decimal
			err := actual.Scan(st.input)

			if st.error {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			require.Equal(t, st.output, actual)
		})
	}
}

func TestDecimal_Value(t *testing.T) {
	v, err := Decimal{}.Value()
	require.NoError(t, err)
	require.Nil(t, v)

	v, err = MakeDecimal("12345.6789").Value()
	require.NoError(t, err)
	require.Equal(t, "12345.6789", v)
}

func TestDecimal_MarshalJSON(t *testing.T) {
	b, err := Decimal{}.MarshalJSON()
	require.NoError(t, err)
	require.Equal(t, "null", string(b))

	b, err = MakeDecimal("12345.6789").MarshalJSON()
	require.NoError(t, err)
	require.Equal(t, "12345.6789", string(b))
}
