package main

import (
	"context"
	"errors"
	"sync"

	"offline-cache/src/api"
	"offline-cache/src/config"
	"offline-cache/src/logging"
)

// The interactive shell and the C library each drive one process-wide
// session; every other entry point constructs its own api.Service.
var (
	sessionMu sync.Mutex
	session   *api.Service
)

var errNoSession = errors.New("cache not initialized")

func openSession(ctx context.Context, cfg config.Config, logger logging.Logger) error {
	sessionMu.Lock()
	defer sessionMu.Unlock()

	if session != nil {
		session.Close()
		session = nil
	}

	svc, err := api.Open(ctx, cfg, nil, logger)
	if err != nil {
		return err
	}
	session = svc
	return nil
}

func withSession(fn func(*api.Service) error) error {
	sessionMu.Lock()
	defer sessionMu.Unlock()

	if session == nil {
		return errNoSession
	}
	return fn(session)
}

func closeSession() error {
	sessionMu.Lock()
	defer sessionMu.Unlock()

	if session == nil {
		return errNoSession
	}
	err := session.Close()
	session = nil
	return err
}
