package config

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecretString(t *testing.T) {
	s := Secret("password123")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "", Secret("").String())
}

func TestSecretGoString(t *testing.T) {
	assert.Equal(t, `"[REDACTED]"`, fmt.Sprintf("%#v", Secret("password123")))
	assert.Equal(t, `""`, fmt.Sprintf("%#v", Secret("")))
}

func TestSecretMarshalJSON(t *testing.T) {
	data, err := json.Marshal(struct {
		Password Secret `json:"password"`
	}{Password: "password123"})
	require.NoError(t, err)
	assert.Equal(t, `{"password":"[REDACTED]"}`, string(data))
}

func TestSecretMarshalYAML(t *testing.T) {
	val, err := Secret("password123").MarshalYAML()
	require.NoError(t, err)
	assert.Equal(t, "[REDACTED]", val)
}

func TestSecretNeverLeaksThroughFormatting(t *testing.T) {
	s := Secret("super-secret-value")
	for _, rendered := range []string{
		fmt.Sprintf("%v", s),
		fmt.Sprintf("%s", s),
		fmt.Sprintf("%#v", s),
		fmt.Sprint(s),
	} {
		assert.NotContains(t, rendered, "super-secret")
	}
	assert.Equal(t, "super-secret-value", s.Reveal())
}
