package config

import "github.com/joho/godotenv"

// loadDotEnv sets variables from path without overriding ones already in
// the process environment.
func loadDotEnv(path string) error {
	return godotenv.Load(path)
}
