package checkout

import "errors"

var (
	// ErrInvalidGitURL indicates the repository URL is malformed or unsafe.
	ErrInvalidGitURL = errors.New("invalid git repository URL")
	// ErrInvalidGitRef indicates a branch or commit is malformed or unsafe.
	ErrInvalidGitRef = errors.New("invalid git reference")
	// ErrInvalidRunID indicates the run id is not a UUID.
	ErrInvalidRunID = errors.New("invalid run ID format")
	// ErrCloneFailed indicates git clone exited non-zero.
	ErrCloneFailed = errors.New("git clone failed")
	// ErrCheckoutFailed indicates git checkout exited non-zero.
	ErrCheckoutFailed = errors.New("git checkout failed")
)
