package elevate

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tokarevart/x2ssh/internal/xerrors"
)

func TestIsRootMatchesGeteuid(t *testing.T) {
	assert.Equal(t, os.Geteuid() == 0, IsRoot())
}

func TestRequireRootReturnsInsufficientPrivilegesWhenNotRoot(t *testing.T) {
	if IsRoot() {
		t.Skip("test process is running as root")
	}
	err := RequireRoot()
	assert.Error(t, err)
	assert.Equal(t, xerrors.KindInsufficientPrivileges, xerrors.KindOf(err))
}

func TestRequireRootSucceedsWhenRoot(t *testing.T) {
	if !IsRoot() {
		t.Skip("test process is not running as root")
	}
	assert.NoError(t, RequireRoot())
}
