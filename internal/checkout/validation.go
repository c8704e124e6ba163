package checkout

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	// refs may only use characters that cannot be interpreted by git or a shell
	gitRefPattern = regexp.MustCompile(`^[a-zA-Z0-9/_.-]+$`)

	runIDPattern = regexp.MustCompile(`^[a-f0-9]{8}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{12}$`)

	allowedSchemes = []string{"http://", "https://", "git://"}

	forbiddenURLPatterns = []string{"`", "$", "&&", "||", ";", "|", "--upload-pack", "--config", " "}
)

// ValidateURL accepts http, https and git URLs free of shell metacharacters
// and git option injection.
func ValidateURL(repoURL string) error {
	if repoURL == "" {
		return fmt.Errorf("%w: empty URL", ErrInvalidGitURL)
	}

	ok := false
	for _, scheme := range allowedSchemes {
		if strings.HasPrefix(repoURL, scheme) {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("%w: must use http://, https:// or git:// protocol", ErrInvalidGitURL)
	}

	for _, pattern := range forbiddenURLPatterns {
		if strings.Contains(repoURL, pattern) {
			return fmt.Errorf("%w: contains forbidden pattern %q", ErrInvalidGitURL, pattern)
		}
	}

	return nil
}

// ValidateRef accepts an empty ref or a branch name or SHA made of
// alphanumerics, '-', '_', '/' and '.', not starting with '-' and without "..".
func ValidateRef(ref string) error {
	if ref == "" {
		return nil
	}

	if !gitRefPattern.MatchString(ref) {
		return fmt.Errorf("%w: must contain only alphanumeric, dash, underscore, slash, or dot", ErrInvalidGitRef)
	}

	if strings.HasPrefix(ref, "-") {
		return fmt.Errorf("%w: cannot start with dash", ErrInvalidGitRef)
	}

	if strings.Contains(ref, "..") {
		return fmt.Errorf("%w: cannot contain '..'", ErrInvalidGitRef)
	}

	return nil
}

// ValidateRunID accepts a lower case UUID, which keeps workspace paths
// inside the workspace root.
func ValidateRunID(runID string) error {
	if runID == "" {
		return fmt.Errorf("%w: empty run ID", ErrInvalidRunID)
	}

	if !runIDPattern.MatchString(runID) {
		return fmt.Errorf("%w: must be a valid UUID", ErrInvalidRunID)
	}

	return nil
}
