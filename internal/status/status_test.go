package status

import (
	"encoding/json"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	cases := []struct {
		in      string
		want    Address
		wantErr bool
	}{
		{in: "192.0.2.1:27015", want: Address{IP: netip.MustParseAddr("192.0.2.1"), Port: 27015}},
		{in: "[2001:db8::1]:27015", want: Address{IP: netip.MustParseAddr("2001:db8::1"), Port: 27015}},
		{in: "192.0.2.1", wantErr: true},
		{in: "192.0.2.1:notaport", wantErr: true},
		{in: "not-an-ip:27015", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tc := range cases {
		addr, err := ParseAddress(tc.in)
		if tc.wantErr {
			require.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.want, addr)
	}
}

func TestAddressRoundTrip(t *testing.T) {
	addr, err := ParseAddress("192.0.2.1:27015")
	require.NoError(t, err)

	again, err := ParseAddress(addr.String())
	require.NoError(t, err)
	require.Equal(t, addr, again)
}

func TestAddressComparable(t *testing.T) {
	a, err := ParseAddress("192.0.2.1:27015")
	require.NoError(t, err)
	b, err := ParseAddress("192.0.2.1:27015")
	require.NoError(t, err)
	c, err := ParseAddress("192.0.2.1:27016")
	require.NoError(t, err)

	require.True(t, a == b)
	require.False(t, a == c)

	// Usable as a map key.
	set := map[Address]struct{}{a: {}}
	_, ok := set[b]
	require.True(t, ok)
}

func TestAddressJSON(t *testing.T) {
	addr, err := ParseAddress("192.0.2.1:27015")
	require.NoError(t, err)

	raw, err := json.Marshal(addr)
	require.NoError(t, err)
	require.JSONEq(t, `{"ip":"192.0.2.1","port":27015}`, string(raw))

	var decoded Address
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, addr, decoded)
}

func TestStatusInterestNullWhenFresh(t *testing.T) {
	st := Status{Address: Address{IP: netip.MustParseAddr("192.0.2.1"), Port: 27015}}

	raw, err := json.Marshal(st)
	require.NoError(t, err)

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &fields))
	require.Equal(t, "null", string(fields["interest"]))
}
