package logging

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedact(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bearer header", "Authorization: Bearer abc.def-123", "Authorization: Bearer [REDACTED]"},
		{"json token", `{"access_token":"s3cr3t","expires_in":3600}`, `{"access_token":"[REDACTED]","expires_in":3600}`},
		{"form token", "grant_type=refresh_token&refresh_token=zzz&x=1", "grant_type=refresh_token&refresh_token=[REDACTED]&x=1"},
		{"email", "user bob@example.com denied", "user [REDACTED-EMAIL] denied"},
		{"jwt", "token eyJhbGciOi.eyJzdWIi.c2lnbg rejected", "token [REDACTED-JWT] rejected"},
		{"clean", "device lock-1 jammed", "device lock-1 jammed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Redact(tt.in))
		})
	}
}

func TestLoggerCarriesTxnID(t *testing.T) {
	hooked, hook := test.NewNullLogger()
	saved := gLogger.logger
	gLogger.logger = logrus.NewEntry(hooked)
	defer func() { gLogger.logger = saved }()

	ctx := WithTxnID(context.Background(), "txn-42")
	Component(ctx, "hub").Info("hello")

	require.Len(t, hook.Entries, 1)
	assert.Equal(t, "txn-42", hook.LastEntry().Data["txnid"])
	assert.Equal(t, "hub", hook.LastEntry().Data["component"])
	assert.Equal(t, "txn-42", TxnID(ctx))
	assert.Equal(t, "", TxnID(nil))
}

func TestConfigureRejectsBadLevel(t *testing.T) {
	saved := logrus.GetLevel()
	defer logrus.SetLevel(saved)
	logrus.SetLevel(logrus.InfoLevel)

	cfg := viper.New()
	cfg.Set("logging.location", "stderr")
	cfg.Set("logging.level", "chatty")

	assert.Error(t, Configure(cfg))
}
