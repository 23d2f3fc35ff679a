package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/khatwa/khatwa-backend/internal/config"
	"github.com/khatwa/khatwa-backend/internal/database"
	"github.com/khatwa/khatwa-backend/internal/logger"
	"github.com/khatwa/khatwa-backend/internal/model"
	"github.com/khatwa/khatwa-backend/internal/repository"
	"github.com/khatwa/khatwa-backend/internal/service"
	"golang.org/x/term"
)

func main() {
	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)

	ctx := context.Background()

	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	users := repository.NewUserRepository(pool)

	// ─── CLI Input ─────────────────────────────────────────────────────
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("=== Create New User ===")

	fmt.Print("Enter Name: ")
	name, _ := reader.ReadString('\n')
	name = strings.TrimSpace(name)
	if name == "" {
		fmt.Println("Error: Name is required")
		return
	}

	fmt.Print("Enter Email: ")
	email, _ := reader.ReadString('\n')
	email = strings.TrimSpace(email)
	if email == "" || !strings.Contains(email, "@") {
		fmt.Println("Error: A valid email is required")
		return
	}

	fmt.Print("Enter Password: ")
	bytePassword, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		fmt.Println("\nError reading password")
		return
	}
	password := string(bytePassword)
	fmt.Println()
	if len(password) < 6 || len(password) > 72 {
		fmt.Println("Error: Password must be 6 to 72 characters")
		return
	}

	fmt.Print("Enter Role [student|instructor|admin] (default student): ")
	roleStr, _ := reader.ReadString('\n')
	role, ok := parseRole(strings.TrimSpace(roleStr))
	if !ok {
		fmt.Println("Error: Unknown role")
		return
	}

	hashedPassword, err := service.NewAuthService(cfg, users).HashPassword(password)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to hash password")
	}

	user := &model.User{
		Email:        email,
		Name:         name,
		PasswordHash: hashedPassword,
		Role:         role,
	}
	if err := users.Create(ctx, user); err != nil {
		log.Fatal().Err(err).Msg("Failed to create user")
	}

	fmt.Printf("\nSuccess! %s '%s' (%s) created with ID: %d\n", user.Role, user.Name, user.Email, user.ID)
}

func parseRole(s string) (model.Role, bool) {
	switch model.Role(strings.ToLower(s)) {
	case "", model.RoleStudent:
		return model.RoleStudent, true
	case model.RoleInstructor:
		return model.RoleInstructor, true
	case model.RoleAdmin:
		return model.RoleAdmin, true
	}
	return "", false
}
