package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"strings"

	"github.com/GianGuaz256/vending-server/internal/auth"
	"github.com/GianGuaz256/vending-server/internal/config"
	"github.com/GianGuaz256/vending-server/internal/db"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Registers a machine client and prints its id. The secret is only ever
// stored as a bcrypt hash, so keep the plaintext somewhere safe.
func main() {
	machineID := flag.String("machine-id", "", "unique machine identifier")
	secret := flag.String("secret", "", "shared secret the machine authenticates with")
	cidrs := flag.String("allowed-cidrs", "", "comma separated CIDR allowlist, empty allows any source")
	metadata := flag.String("metadata", "{}", "metadata JSON stored with the client")
	configPath := flag.String("config", ".", "directory containing config.yaml")
	flag.Parse()

	if *machineID == "" || *secret == "" {
		log.Fatal("both -machine-id and -secret are required")
	}
	if !json.Valid([]byte(*metadata)) {
		log.Fatal("-metadata must be valid JSON")
	}

	_ = godotenv.Load()
	cfg := config.MustLoadConfig(*configPath)

	pool, err := db.GetPool(db.GetConnStr(cfg.Database))
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	hash, err := auth.HashSecret(*secret)
	if err != nil {
		log.Fatal(err)
	}

	var allowed []string
	if *cidrs != "" {
		for _, cidr := range strings.Split(*cidrs, ",") {
			allowed = append(allowed, strings.TrimSpace(cidr))
		}
	}

	entity := &db.ClientEntity{
		ID:           uuid.New(),
		MachineID:    *machineID,
		SecretHash:   hash,
		IsActive:     true,
		AllowedCIDRs: allowed,
		Metadata:     json.RawMessage(*metadata),
	}

	if _, err := db.NewClientRepository(pool).Create(context.Background(), entity); err != nil {
		log.Fatal(err)
	}

	fmt.Println(entity.ID)
}
