package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpointURL(t *testing.T) {
	cases := []struct {
		address string
		want    string
	}{
		{"node.example.com", "wss://node.example.com/v1/jobs/stream"},
		{"node.example.com/", "wss://node.example.com/v1/jobs/stream"},
		{"https://node.example.com", "wss://node.example.com/v1/jobs/stream"},
		{"http://127.0.0.1:8080", "ws://127.0.0.1:8080/v1/jobs/stream"},
		{"ws://127.0.0.1:8080", "ws://127.0.0.1:8080/v1/jobs/stream"},
		{"wss://node.example.com:4443", "wss://node.example.com:4443/v1/jobs/stream"},
	}
	for _, tc := range cases {
		got, err := endpointURL(tc.address)
		require.NoError(t, err, tc.address)
		assert.Equal(t, tc.want, got, tc.address)
	}
}

func TestEndpointURLRejectsEmptyAddress(t *testing.T) {
	_, err := endpointURL("")
	assert.Error(t, err)
}
