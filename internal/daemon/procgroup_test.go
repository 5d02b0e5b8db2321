package daemon

import "testing"

func TestKillGroupSparesSelf(t *testing.T) {
	// The cleanup func signals the whole process group, which includes
	// the test binary once setupProcessGroup made it the leader. If the
	// self-directed SIGTERM were not ignored, this process would die
	// here with the default signal disposition.
	killGroup := setupProcessGroup()
	killGroup()
}
