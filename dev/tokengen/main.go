// tokengen issues session credentials for local testing:
//
//	go run ./dev/tokengen --secret-file secret.txt --user alice --icon alice.png
//
// Connect with `ws://127.0.0.1:8000/ws?token=<output>`.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/yuki-scratch44/LineWeb/auth"
)

var (
	flagSecret     = flag.String("secret", "", "HS256 secret, same as the server --jwt-secret")
	flagSecretFile = flag.String("secret-file", "", "file holding the secret, overrides --secret")
	flagIssuer     = flag.String("issuer", "lineweb", "credential issuer")
	flagUser       = flag.String("user", "", "user id")
	flagIcon       = flag.String("icon", "", "user icon")
	flagTTL        = flag.Duration("ttl", 24*time.Hour, "credential lifetime")
)

func main() {
	flag.Parse()

	if *flagUser == "" {
		fatalf("--user is required")
	}

	secret := []byte(*flagSecret)
	if *flagSecretFile != "" {
		content, err := os.ReadFile(*flagSecretFile)
		if err != nil {
			fatalf("read --secret-file: %v", err)
		}
		secret = []byte(strings.TrimSpace(string(content)))
	}
	if len(secret) == 0 {
		fatalf("--secret or --secret-file is required")
	}

	token, err := auth.NewIssuer(secret, *flagIssuer, *flagTTL).Issue(*flagUser, *flagIcon)
	if err != nil {
		fatalf("issue: %v", err)
	}
	fmt.Println(token)
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
