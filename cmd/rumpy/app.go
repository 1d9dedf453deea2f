package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/ximik/rumpy/bot"
	"github.com/ximik/rumpy/store"
)

// command is a parsed chat line: the lowercased first word and the rest
type command struct {
	Name string
	Args string
	Raw  string
}

func parseCommand(body string) (any, error) {
	raw := strings.TrimSpace(body)
	name, args, _ := strings.Cut(raw, " ")
	return command{Name: strings.ToLower(name), Args: strings.TrimSpace(args), Raw: raw}, nil
}

// respond implements the demo bot: ping, count, name and echo
func respond(_ context.Context, sub *store.Subscriber, parsed any) (string, error) {
	cmd, ok := parsed.(command)
	if !ok {
		return "", fmt.Errorf("unexpected parsed value %T", parsed)
	}

	switch cmd.Name {
	case "ping":
		return "pong", nil
	case "count":
		n, _ := strconv.Atoi(sub.Get("count"))
		n++
		sub.Set("count", strconv.Itoa(n))
		return fmt.Sprintf("You have counted %d time(s).", n), nil
	case "name":
		if cmd.Args == "" {
			if name := sub.Get("name"); name != "" {
				return "You are " + name + ".", nil
			}
			return "I don't know your name yet. Tell me with: name <your name>", nil
		}
		sub.Set("name", cmd.Args)
		return "Nice to meet you, " + cmd.Args + ".", nil
	case "help":
		return "Commands: ping, count, name [your name], help. Anything else is echoed.", nil
	default:
		return cmd.Raw, nil
	}
}

func demoApp() bot.App {
	return bot.App{Parse: parseCommand, Respond: respond}
}
