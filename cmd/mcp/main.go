// trustmarket MCP server - exposes the marketplace API as MCP tools for LLMs
package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/trustmarket/internal/identity"
	"github.com/mbd888/trustmarket/internal/mcpserver"
)

// Version is set by ldflags
var Version = "dev"

// mintedTokenTTL bounds tokens signed locally from TRUSTMARKET_JWT_SECRET.
const mintedTokenTTL = 12 * time.Hour

func main() {
	token, err := resolveToken(os.Getenv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg := mcpserver.Config{
		APIURL: envOrDefault("TRUSTMARKET_API_URL", "http://localhost:8080"),
		Token:  token,
	}

	s := mcpserver.NewMCPServer(cfg, Version)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

// resolveToken prefers TRUSTMARKET_TOKEN. Without it, a token for
// TRUSTMARKET_USER_ID is signed with TRUSTMARKET_JWT_SECRET, which must
// match the API's JWT_SECRET.
func resolveToken(getenv func(string) string) (string, error) {
	if t := getenv("TRUSTMARKET_TOKEN"); t != "" {
		return t, nil
	}
	secret, user := getenv("TRUSTMARKET_JWT_SECRET"), getenv("TRUSTMARKET_USER_ID")
	if secret == "" || user == "" {
		return "", errors.New("TRUSTMARKET_TOKEN is required (or TRUSTMARKET_JWT_SECRET with TRUSTMARKET_USER_ID)")
	}
	issuer := getenv("TRUSTMARKET_JWT_ISSUER")
	if issuer == "" {
		issuer = "trustmarket"
	}
	return identity.NewVerifier(secret, issuer).Issue(user, getenv("TRUSTMARKET_USER_NAME"), mintedTokenTTL)
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
