package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"github.com/chiscode/orchestrator/internal/models"
	"github.com/chiscode/orchestrator/internal/storage"
)

const (
	// MinPasswordLength is the minimum password length requirement
	MinPasswordLength = 8
	// BcryptCost is the cost factor for bcrypt hashing (10 = ~100ms)
	BcryptCost = 10
)

var emailRegex = regexp.MustCompile(`^[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}$`)

func main() {
	name := flag.String("name", "", "Full name of the user (required)")
	email := flag.String("email", "", "Email address (required)")
	password := flag.String("password", "", "Password (required, min 8 chars)")
	tier := flag.String("tier", "free", "Subscription tier: free, basic or pro")
	flag.Parse()

	if err := validateInputs(*name, *email, *password, *tier); err != nil {
		log.Fatalf("Validation error: %v", err)
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL must be set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	log.Println("Connected to PostgreSQL database")

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(*password), BcryptCost)
	if err != nil {
		log.Fatalf("Failed to hash password: %v", err)
	}

	user := &models.User{
		ID:             uuid.New().String(),
		Name:           *name,
		Email:          *email,
		HashedPassword: string(hashedPassword),
		Tier:           models.Tier(*tier),
	}

	users := storage.NewUserStore(pool)
	if err := users.Create(ctx, user); err != nil {
		log.Fatalf("Failed to create user: %v", err)
	}

	log.Printf("Successfully created user")
	log.Printf("  ID: %s", user.ID)
	log.Printf("  Name: %s", user.Name)
	log.Printf("  Email: %s", user.Email)
	log.Printf("  Tier: %s", user.Tier)
}

// validateInputs validates user input before touching the database.
func validateInputs(name, email, password, tier string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("name is required and cannot be empty")
	}

	if !emailRegex.MatchString(email) {
		return fmt.Errorf("invalid email format: %s", email)
	}

	if len(password) < MinPasswordLength {
		return fmt.Errorf("password must be at least %d characters long", MinPasswordLength)
	}

	hasLetter := regexp.MustCompile(`[a-zA-Z]`).MatchString(password)
	hasNumber := regexp.MustCompile(`[0-9]`).MatchString(password)
	if !hasLetter || !hasNumber {
		return fmt.Errorf("password must contain at least one letter and one number")
	}

	switch models.Tier(tier) {
	case models.TierFree, models.TierBasic, models.TierPro:
	default:
		return fmt.Errorf("invalid tier %q: must be free, basic or pro", tier)
	}

	return nil
}
