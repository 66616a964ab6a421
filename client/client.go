// Package client reads locators and path state from a node's HTTP API.
package client

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"Meshpath/internal/identity"
	"Meshpath/internal/locator"
)

var (
	// ErrNotFound is returned when the node has no locator for an address.
	ErrNotFound = errors.New("locator not found")

	// ErrSubjectMismatch is returned when the node answers with a locator
	// for a different subject than requested.
	ErrSubjectMismatch = errors.New("locator subject mismatch")

	// ErrUnverified is returned when a fetched locator fails signature
	// verification.
	ErrUnverified = errors.New("locator signature invalid")
)

// Client connects to a node via HTTP.
type Client struct {
	nodeAddr string           // nodeAddr is the HTTP address (e.g. "127.0.0.1:8080")
	self     identity.Address // self is the node's own address, from /health
}

// LocatorInfo is the JSON summary of a stored locator.
type LocatorInfo struct {
	Subject   string   `json:"subject"`
	Signer    string   `json:"signer"`
	Timestamp int64    `json:"timestamp"`
	Proxy     bool     `json:"proxy"`
	Endpoints []string `json:"endpoints"`
	Key       string   `json:"key"`
}

// PathInfo is the JSON summary of a live path.
type PathInfo struct {
	Endpoint          string `json:"endpoint"`
	Socket            string `json:"socket"`
	Interface         string `json:"interface"`
	Instance          uint64 `json:"instance"`
	AgeMillis         int64  `json:"ageMillis"`
	SendIdleMillis    *int64 `json:"sendIdleMillis"`
	ReceiveIdleMillis *int64 `json:"receiveIdleMillis"`
	PendingPackets    int    `json:"pendingPackets"`
	Status            string `json:"status"`
}

// NewClient creates a client connected to a node.
// It fetches the node's address from the /health endpoint.
func NewClient(nodeAddr string) (*Client, error) {
	var health struct {
		Status  string `json:"status"`
		Address string `json:"address"`
	}

	if err := httpGet("http://"+nodeAddr+"/health", &health); err != nil {
		return nil, fmt.Errorf("get health:\n%w", err)
	}

	self, err := identity.ParseAddress(health.Address)
	if err != nil {
		return nil, fmt.Errorf("invalid node address %q:\n%w", health.Address, err)
	}

	return &Client{nodeAddr: nodeAddr, self: self}, nil
}

// NodeAddress returns the address the node reported for itself.
func (c *Client) NodeAddress() identity.Address {
	return c.self
}

// Locators lists up to limit stored locators. A limit of zero uses the
// node's default.
func (c *Client) Locators(limit int) ([]LocatorInfo, error) {
	u := "http://" + c.nodeAddr + "/locators"
	if limit > 0 {
		u += "?" + url.Values{"limit": {strconv.Itoa(limit)}}.Encode()
	}

	var infos []LocatorInfo
	if err := httpGet(u, &infos); err != nil {
		return nil, err
	}

	return infos, nil
}

// Locator fetches the signed locator for subject in wire form. The
// signature is not checked; use VerifiedLocator when the signer's
// identity is known.
func (c *Client) Locator(subject identity.Address) (*locator.Locator, error) {
	data, err := httpGetBytes("http://" + c.nodeAddr + "/locators/" + subject.String() + "?format=binary")
	if err != nil {
		return nil, err
	}

	loc := new(locator.Locator)
	if err := loc.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("decode locator:\n%w", err)
	}

	if loc.Subject() != subject {
		return nil, ErrSubjectMismatch
	}

	return loc, nil
}

// VerifiedLocator fetches the locator for subject and checks that signer
// produced it.
func (c *Client) VerifiedLocator(subject identity.Address, signer identity.Identity) (*locator.Locator, error) {
	loc, err := c.Locator(subject)
	if err != nil {
		return nil, err
	}

	if !loc.VerifySignature(signer) {
		return nil, ErrUnverified
	}

	return loc, nil
}

// Paths lists the node's live paths.
func (c *Client) Paths() ([]PathInfo, error) {
	var infos []PathInfo
	if err := httpGet("http://"+c.nodeAddr+"/paths", &infos); err != nil {
		return nil, err
	}

	return infos, nil
}
