package database

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/go-connections/nat"
	"github.com/varkey/ferryman/pkg/docker"
)

// DatabaseConfig is a subset of the configuration focusing solely
// on database connection items
type DatabaseConfig struct {
	User     string `yaml:"username" env:"DB_USERNAME" env-required:"true"`
	Password string `yaml:"password" env:"DB_PASSWORD" env-required:"true"`
	Name     string `yaml:"name" env:"DB_NAME" env-default:"FERRYMAN_DB"`
	Host     string `yaml:"host" env:"DB_HOST" env-default:"0.0.0.0"`
	Port     string `yaml:"port" env:"DB_PORT" env-default:"5432"`
}

const postgresImage = "postgres:14.1-alpine"

// InitialiseDockerDatabase spawns a PostgreSQL container bound to the
// configured host/port, with its data directory mounted under the users
// home so state survives respawns. The onCrash callback fires if the
// container later transitions to CRASHED.
func InitialiseDockerDatabase(dockerManager docker.DockerManager, config DatabaseConfig, onCrash func(error)) (docker.DockerContainer, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("cannot initialise docker db volume mount as user home dir is unavailable: %s", err.Error())
	}

	dbDataPath := filepath.Join(homeDir, "ferryman_db.dat")
	if err := os.MkdirAll(dbDataPath, os.ModeDir|os.ModePerm); err != nil {
		return nil, err
	}

	containerConfig := &container.Config{
		Image: postgresImage,
		Env: []string{
			fmt.Sprintf("POSTGRES_PASSWORD=%s", config.Password),
			fmt.Sprintf("POSTGRES_USER=%s", config.User),
			fmt.Sprintf("POSTGRES_DB=%s", config.Name),
			fmt.Sprintf("DATABASE_HOST=%s", config.Host),
		},
		ExposedPorts: nat.PortSet{
			"5432": struct{}{},
		},
	}
	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			nat.Port(config.Port): []nat.PortBinding{{
				HostIP:   config.Host,
				HostPort: config.Port,
			}},
		},
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: dbDataPath,
				Target: "/var/lib/postgresql/data",
			},
		},
	}

	db := docker.NewDockerContainer("db", postgresImage, containerConfig, hostConfig)
	if err := dockerManager.SpawnContainer(db); err != nil {
		return nil, err
	}

	// Watch for container crash (teardown)
	go func() {
		st, err := dockerManager.WaitForContainer(db, docker.CRASHED)
		if st != docker.CRASHED || err != nil {
			return
		}

		onCrash(fmt.Errorf("container %s has crashed", db))
	}()

	return db, nil
}

// InitialiseDockerPgAdmin spawns a pgAdmin container for poking at the
// embedded database. Purely a development convenience; disabled by
// default in configuration.
func InitialiseDockerPgAdmin(dockerManager docker.DockerManager, onCrash func(error)) (docker.DockerContainer, error) {
	containerConfig := &container.Config{
		Image: "dpage/pgadmin4",
		Env: []string{
			"PGADMIN_DEFAULT_EMAIL=admin@admin.com",
			"PGADMIN_DEFAULT_PASSWORD=root",
		},
		ExposedPorts: nat.PortSet{
			"80": struct{}{},
		},
	}
	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			"80": []nat.PortBinding{{
				HostIP:   "0.0.0.0",
				HostPort: "5050",
			}},
		},
	}

	pgAdmin := docker.NewDockerContainer("pgAdmin", "dpage/pgadmin4", containerConfig, hostConfig)
	if err := dockerManager.SpawnContainer(pgAdmin); err != nil {
		return nil, err
	}

	go func() {
		st, err := dockerManager.WaitForContainer(pgAdmin, docker.CRASHED)
		if st != docker.CRASHED || err != nil {
			return
		}

		onCrash(fmt.Errorf("container %s has crashed", pgAdmin))
	}()

	return pgAdmin, nil
}
