package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	touchfish "github.com/touchfish/touchfish-server"
	"github.com/touchfish/touchfish-server/registry"
)

const welcomeFormat = "Welcome to TouchFish! %d online."

// room is the part of *touchfish.Server the event handler talks back to.
type room interface {
	SendToID(id, msg string) bool
	Broadcast(msg string, skip ...touchfish.Skip)
	Count() int
}

// events prints relay activity and echoes every message to all clients.
type events struct {
	out    io.Writer
	notice string
	server room
}

func timestamp() string {
	return time.Now().Format("2006-01-02 15:04:05")
}

func (e *events) Connected(c registry.Client) {
	fmt.Fprintf(e.out, "[%s] Client connected: %s:%d\n", timestamp(), c.Host, c.Port)
	e.server.SendToID(c.ID, e.notice+fmt.Sprintf(welcomeFormat, e.server.Count()))
}

func (e *events) Disconnected(c registry.Client) {
	fmt.Fprintf(e.out, "[%s] Client disconnected: %s:%d (%s)\n", timestamp(), c.Host, c.Port, c.Name)
}

func (e *events) Message(c registry.Client, text string) {
	fmt.Fprintf(e.out, "[%s] %s(%s): %s\n", timestamp(), c.Name, c.Host, strings.TrimSpace(text))
	e.server.Broadcast(text)
}

func (e *events) RawData(registry.Client, []byte) {}
