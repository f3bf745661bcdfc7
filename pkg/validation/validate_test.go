package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nyx-relay/broker/pkg/models"
)

func TestValidateRegisterRequestAccepted(t *testing.T) {
	err := ValidateRegisterRequest(models.RegisterRequest{
		ClientID: "c1",
		Sender:   "+15555550100",
		Body:     "hello",
	})
	require.NoError(t, err)
}

func TestValidateRegisterRequestAccumulatesProblems(t *testing.T) {
	err := ValidateRegisterRequest(models.RegisterRequest{
		ClientID: "",
		Sender:   "not-a-number",
		Body:     "",
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "client_id is required")
	require.Contains(t, err.Error(), "not a valid E.164")
	require.Contains(t, err.Error(), "must not be empty")
}

func TestValidateRegisterRequestBodyTooLong(t *testing.T) {
	err := ValidateRegisterRequest(models.RegisterRequest{
		ClientID: "c1",
		Sender:   "+15555550100",
		Body:     strings.Repeat("a", 1001),
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "exceeds maximum length")
}
