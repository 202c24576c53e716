package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carepath/clinsafe/internal/domain/risk"
)

func TestDecodeRiskLogged(t *testing.T) {
	data, err := json.Marshal(RiskLogged{
		Log:        risk.Log{ID: "log-1", SubjectID: "client-1", Level: risk.LevelHigh, Score: 80},
		OccurredAt: time.Now(),
	})
	require.NoError(t, err)

	e, err := DecodeRiskLogged(data)
	require.NoError(t, err)
	assert.Equal(t, "log-1", e.Log.ID)
	assert.Equal(t, risk.LevelHigh, e.Log.Level)
}

func TestDecodeRiskLogged_Rejects(t *testing.T) {
	for _, raw := range []string{`not json`, `{"log":{"id":""}}`, `{"log":{"id":"x","level":"extreme"}}`} {
		_, err := DecodeRiskLogged([]byte(raw))
		assert.Error(t, err, raw)
	}
}
