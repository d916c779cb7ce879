// Command mint-token issues a bearer token for an actor so operators can
// call the API without a separate identity service.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"cargoport/internal/auth"
)

func main() {
	var (
		secret     string
		ttl        time.Duration
		actorGUID  string
		actorName  string
		admin      bool
		spaceGUIDs string
	)

	flag.StringVar(&secret, "secret", "", "shared token secret (defaults to CARGOPORT_TOKEN_SECRET)")
	flag.DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	flag.StringVar(&actorGUID, "actor-guid", "", "GUID of the actor the token represents")
	flag.StringVar(&actorName, "actor-name", "", "display name of the actor")
	flag.BoolVar(&admin, "admin", false, "grant the token platform admin rights")
	flag.StringVar(&spaceGUIDs, "space-guids", "", "comma separated space GUIDs the actor is a member of")
	flag.Parse()

	if secret == "" {
		secret = strings.TrimSpace(os.Getenv("CARGOPORT_TOKEN_SECRET"))
	}
	if secret == "" {
		fatalf("--secret or CARGOPORT_TOKEN_SECRET is required")
	}
	if strings.TrimSpace(actorGUID) == "" {
		fatalf("--actor-guid is required")
	}

	codec, err := auth.NewTokenCodec(secret, ttl)
	if err != nil {
		fatalf("configure token codec: %v", err)
	}

	actor := auth.Actor{
		GUID:  strings.TrimSpace(actorGUID),
		Name:  strings.TrimSpace(actorName),
		Admin: admin,
	}
	for _, guid := range strings.Split(spaceGUIDs, ",") {
		if trimmed := strings.TrimSpace(guid); trimmed != "" {
			actor.SpaceGUIDs = append(actor.SpaceGUIDs, trimmed)
		}
	}

	token, err := codec.Mint(actor, time.Now())
	if err != nil {
		fatalf("mint token: %v", err)
	}
	fmt.Println(token)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
