package logger

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestLogger_ModuleField(t *testing.T) {
	var buf bytes.Buffer
	log := New("pool", &buf, logrus.InfoLevel)

	log.WithField("epoch_id", 7).Info("epoch started")

	out := buf.String()
	if !strings.Contains(out, "module=pool") {
		t.Errorf("expected module field in output: %s", out)
	}
	if !strings.Contains(out, "epoch_id=7") {
		t.Errorf("expected epoch_id field in output: %s", out)
	}
	if !strings.Contains(out, "epoch started") {
		t.Errorf("expected message in output: %s", out)
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New("pool", &buf, logrus.WarnLevel)

	log.Info("should be dropped")
	if buf.Len() != 0 {
		t.Errorf("info should be filtered at warn level: %s", buf.String())
	}

	log.WithError(errors.New("supply failed")).Warn("yield source failure")
	if !strings.Contains(buf.String(), "supply failed") {
		t.Errorf("expected error field in output: %s", buf.String())
	}
}

func TestNewDefault(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	log := NewDefault("upkeep")
	if log == nil {
		t.Fatal("NewDefault returned nil")
	}
}
