package config

import "github.com/joho/godotenv"

// LoadEnv loads one or more .env files into the process environment.
// Later files override values set by earlier ones; variables already present
// in the environment are overridden as well. With no paths the default .env
// in the working directory is loaded.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		return godotenv.Overload()
	}
	return godotenv.Overload(paths...)
}

// MustLoadEnv is like LoadEnv but panics on error.
func MustLoadEnv(paths ...string) {
	if err := LoadEnv(paths...); err != nil {
		panic("failed to load env files: " + err.Error())
	}
}
