package trigger

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// HeaderEvent carries the GitHub event type.
	HeaderEvent = "X-GitHub-Event"
	// HeaderDelivery carries the unique delivery id.
	HeaderDelivery = "X-GitHub-Delivery"
	// HeaderSignature carries the HMAC-SHA256 of the body.
	HeaderSignature = "X-Hub-Signature-256"

	acceptedSignature = "sha256"
	zeroSHA           = "0000000000000000000000000000000000000000"
)

type githubRepository struct {
	FullName string `json:"full_name"`
	CloneURL string `json:"clone_url"`
}

type githubUser struct {
	Login string `json:"login"`
}

type githubPush struct {
	Ref        string           `json:"ref"`
	After      string           `json:"after"`
	Deleted    bool             `json:"deleted"`
	Repository githubRepository `json:"repository"`
	Sender     githubUser       `json:"sender"`
}

type githubPullRequest struct {
	Action      string `json:"action"`
	PullRequest struct {
		Head struct {
			Ref string `json:"ref"`
			SHA string `json:"sha"`
		} `json:"head"`
		Base struct {
			Ref string `json:"ref"`
		} `json:"base"`
	} `json:"pull_request"`
	Repository githubRepository `json:"repository"`
	Sender     githubUser       `json:"sender"`
}

type githubPing struct {
	Zen        string           `json:"zen"`
	Repository githubRepository `json:"repository"`
	Sender     githubUser       `json:"sender"`
}

// ParseGitHub converts a GitHub webhook body into an Event. Supported event
// types are push, pull_request and ping.
func ParseGitHub(eventType string, body []byte) (Event, error) {
	switch eventType {
	case "push":
		var p githubPush
		if err := json.Unmarshal(body, &p); err != nil {
			return Event{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
		}
		if p.Ref == "" {
			return Event{}, fmt.Errorf("%w: push without ref", ErrInvalidPayload)
		}
		if p.Deleted || p.After == zeroSHA {
			return Event{}, fmt.Errorf("%w: %s", ErrRefDeleted, p.Ref)
		}
		return Event{
			Kind:       KindPush,
			Ref:        p.Ref,
			SHA:        p.After,
			Repository: p.Repository.FullName,
			CloneURL:   p.Repository.CloneURL,
			Sender:     p.Sender.Login,
		}, nil

	case "pull_request":
		var p githubPullRequest
		if err := json.Unmarshal(body, &p); err != nil {
			return Event{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
		}
		if p.PullRequest.Base.Ref == "" {
			return Event{}, fmt.Errorf("%w: pull request without base ref", ErrInvalidPayload)
		}
		return Event{
			Kind:       KindPullRequest,
			Ref:        branchPrefix + p.PullRequest.Head.Ref,
			BaseRef:    branchPrefix + p.PullRequest.Base.Ref,
			Action:     p.Action,
			SHA:        p.PullRequest.Head.SHA,
			Repository: p.Repository.FullName,
			CloneURL:   p.Repository.CloneURL,
			Sender:     p.Sender.Login,
		}, nil

	case "ping":
		var p githubPing
		if err := json.Unmarshal(body, &p); err != nil {
			return Event{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
		}
		return Event{
			Kind:       KindPing,
			Repository: p.Repository.FullName,
			Sender:     p.Sender.Login,
		}, nil

	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnsupportedEvent, eventType)
	}
}

// VerifySignature checks the X-Hub-Signature-256 header value against the
// HMAC-SHA256 of body keyed with secret.
func VerifySignature(secret []byte, header string, body []byte) error {
	signatureType, signatureHex, ok := strings.Cut(header, "=")
	if !ok {
		return fmt.Errorf("%w: malformed header %q", ErrInvalidSignature, header)
	}

	if signatureType != acceptedSignature {
		return fmt.Errorf("%w: unexpected signature type %q", ErrInvalidSignature, signatureType)
	}

	msgMac, err := hex.DecodeString(signatureHex)
	if err != nil {
		return fmt.Errorf("%w: failed to decode signature: %w", ErrInvalidSignature, err)
	}

	if !hmac.Equal(msgMac, Sign(secret, body)) {
		return fmt.Errorf("%w: digest mismatch", ErrInvalidSignature)
	}

	return nil
}

// Sign returns the raw HMAC-SHA256 of body.
func Sign(secret, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return mac.Sum(nil)
}

// SignatureHeader formats a signature the way GitHub sends it.
func SignatureHeader(secret, body []byte) string {
	return acceptedSignature + "=" + hex.EncodeToString(Sign(secret, body))
}
