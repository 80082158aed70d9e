package main

import (
	"context"
	"errors"
	"fmt"
	"os/user"
	"strconv"
)

// Account is a resolved system identity.
type Account struct {
	Name string
	UID  int
	GID  int
	Home string
}

// Accounts looks up and creates system accounts.
type Accounts interface {
	// Lookup returns nil without an error when the account does not exist.
	Lookup(name string) (*Account, error)
	Create(ctx context.Context, name, home string) error
}

type hostAccounts struct {
	runner Runner
}

func newHostAccounts(runner Runner) *hostAccounts {
	return &hostAccounts{runner: runner}
}

func (a *hostAccounts) Lookup(name string) (*Account, error) {
	u, err := user.Lookup(name)
	if err != nil {
		var unknown user.UnknownUserError
		if errors.As(err, &unknown) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up user %s: %w", name, err)
	}

	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return nil, fmt.Errorf("unexpected uid %q for %s: %w", u.Uid, name, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return nil, fmt.Errorf("unexpected gid %q for %s: %w", u.Gid, name, err)
	}
	return &Account{Name: name, UID: uid, GID: gid, Home: u.HomeDir}, nil
}

// Create adds a shell-less system account whose home is the service data directory.
func (a *hostAccounts) Create(ctx context.Context, name, home string) error {
	_, err := a.runner.Run(ctx, "useradd",
		"--system",
		"--user-group",
		"--shell", "/sbin/nologin",
		"--create-home",
		"--home-dir", home,
		name,
	)
	if err != nil {
		return fmt.Errorf("failed to create user %s: %w", name, err)
	}
	return nil
}
