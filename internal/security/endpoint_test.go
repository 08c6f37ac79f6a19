package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateEndpointURL(t *testing.T) {
	tests := []struct {
		name         string
		url          string
		allowPrivate bool
		wantErr      string
	}{
		{name: "public ip", url: "https://93.184.216.34/hook"},
		{name: "bad scheme", url: "ftp://93.184.216.34/", wantErr: "scheme"},
		{name: "no host", url: "https:///path", wantErr: "host"},
		{name: "localhost", url: "http://localhost:9000/generate", wantErr: "not allowed"},
		{name: "loopback", url: "http://127.0.0.1:9000", wantErr: "loopback"},
		{name: "private", url: "http://10.0.0.5/hook", wantErr: "private"},
		{name: "link local", url: "http://169.254.169.254/latest", wantErr: "link-local"},
		{name: "private allowed in dev", url: "http://localhost:9000/generate", allowPrivate: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateEndpointURL(tc.url, tc.allowPrivate)
			if tc.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tc.wantErr)
			}
		})
	}
}
