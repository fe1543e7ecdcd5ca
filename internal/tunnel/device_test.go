package tunnel

import (
	"testing"
	"time"
)

func TestParseLastHandshake(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		uapi string
		want time.Time
	}{
		{
			name: "no peers",
			uapi: "private_key=00\nlisten_port=41000\n",
			want: time.Time{},
		},
		{
			name: "peer without handshake",
			uapi: "public_key=aa\nlast_handshake_time_sec=0\nlast_handshake_time_nsec=0\n",
			want: time.Time{},
		},
		{
			name: "latest of two peers",
			uapi: "public_key=aa\nlast_handshake_time_sec=1700000000\nlast_handshake_time_nsec=5\n" +
				"public_key=bb\nlast_handshake_time_sec=1700000100\nlast_handshake_time_nsec=0\n",
			want: time.Unix(1700000100, 0),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := parseLastHandshake(tt.uapi)
			if err != nil {
				t.Fatalf("parseLastHandshake() error: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("parseLastHandshake() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseLastHandshake_Malformed(t *testing.T) {
	t.Parallel()

	if _, err := parseLastHandshake("last_handshake_time_sec=abc\n"); err == nil {
		t.Error("parseLastHandshake() error = nil, want error")
	}
}
