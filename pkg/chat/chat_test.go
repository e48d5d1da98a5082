package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultReplies(t *testing.T) {
	r := NewDefaultResponder()

	tests := []struct {
		message string
		want    string
	}{
		{"Hello bot", "Hi there! How can I help you today?"},
		{"HOW ARE YOU?", "I'm just a bot, but I'm doing great! Thanks for asking."},
		{"so... will we win SIH this year", "If your frontend team works harder and learns more than css, Sure you can make it!!! 💪"},
		{"hello, how are you", "Hi there! How can I help you today?"},
		{"what is the fee deadline", DefaultFallback},
		{"", DefaultFallback},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, r.Reply(tt.message), tt.message)
	}
}

func TestCustomRules(t *testing.T) {
	r, err := NewResponder([]Rule{{Match: "Fee", Reply: "Fees are due on the 10th."}}, "")
	require.NoError(t, err)
	assert.Equal(t, "Fees are due on the 10th.", r.Reply("when is the fee due"))
	assert.Equal(t, DefaultFallback, r.Reply("hello"))
	assert.Equal(t, "fee", r.Rules()[0].Match)

	_, err = NewResponder([]Rule{{Match: " ", Reply: "x"}}, "")
	assert.Error(t, err)
}
