// Команда tokengen выпускает JWT для ручной проверки API в локальном окружении.
package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/magabrotheeeer/entitlement-service/internal/config"
	"github.com/magabrotheeeer/entitlement-service/internal/lib/jwt"
)

func main() {
	userID := flag.String("user", "", "идентификатор пользователя")
	role := flag.String("role", "user", "роль пользователя")
	ttl := flag.Duration("ttl", time.Hour, "время жизни токена")
	flag.Parse()

	if *userID == "" {
		log.Fatal("flag -user is required")
	}

	cfg := config.MustLoad()
	token, err := jwt.NewJWTMaker(cfg.JWTSecretKey, *ttl).GenerateToken(*userID, *role)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(token)
}
