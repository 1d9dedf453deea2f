// Package config loads the bot configuration.
//
// Configuration is layered: built-in defaults (Default), then each file passed
// to Loader.AddLayer in order, then RUMPY_* environment variables. Files may
// be JSON or YAML; both are decoded into the same key space, so
//
//	bot:
//	  name: weatherbot
//	  identity: weather@example.org
//	nats:
//	  reconnect_wait: 2s
//
// and its JSON equivalent load identically. Each file layer is checked
// against an embedded JSON schema (see Schema) before it is merged, which
// rejects unknown keys and malformed durations early. Duration fields accept
// Go duration strings plus a "d" suffix for days, or integer nanoseconds.
//
// Config.Validate checks cross-field rules (the websocket transport needs a
// URL, the kv store needs NATS) and normalizes the bot identity.
//
//	loader := config.NewLoader()
//	loader.AddLayer("rumpy.yaml")
//	cfg, err := loader.Load()
package config
