package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"

	"github.com/smarttransit/booking-settlement/internal/utils"
	"github.com/smarttransit/booking-settlement/pkg/jwt"
)

type options struct {
	Sandbox  bool     `long:"sandbox" description:"Also print PSP signing keys for a local mock provider"`
	DevToken string   `long:"dev-token" value-name:"USER_ID" description:"Print a one-hour customer token for USER_ID, signed with JWT_SECRET from the environment or .env"`
	Roles    []string `long:"role" default:"passenger" description:"Role carried by the dev token (repeatable)"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(1)
	}

	if opts.DevToken != "" {
		printDevToken(opts.DevToken, opts.Roles)
		return
	}

	keys := append([]string{}, utils.JWTSecretKeys...)
	if opts.Sandbox {
		keys = append(keys, utils.SandboxSecretKeys...)
	}

	secrets, err := utils.GenerateSecrets(keys...)
	if err != nil {
		log.Fatalf("Failed to generate secrets: %v", err)
	}

	fmt.Println("# Add to the .env of both route-service and booking-service")
	for _, key := range keys {
		fmt.Printf("%s=%s\n", key, secrets[key])
	}
	if opts.Sandbox {
		fmt.Println("# Sandbox PSP keys only sign locally simulated notifications")
	}
}

// printDevToken mints a customer token for calling the booking API locally
func printDevToken(rawUserID string, roles []string) {
	userID, err := uuid.Parse(rawUserID)
	if err != nil {
		log.Fatalf("Invalid user id %q: %v", rawUserID, err)
	}

	_ = godotenv.Load()
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		log.Fatal("JWT_SECRET is not set")
	}

	token, err := jwt.NewService(secret, "", time.Hour, 0).GenerateAccessToken(userID, roles)
	if err != nil {
		log.Fatalf("Failed to sign token: %v", err)
	}
	fmt.Printf("Authorization: Bearer %s\n", token)
}
