// dealctl is the out-of-band provisioning tool for deal-room identities.
// The web application never creates or deletes accounts; an operator does,
// here, against the same database.
//
//	dealctl identity create --realm admin --email ops@example.com [--name "Ops"]
//	dealctl identity activate --realm supervisor --email ops@example.com
//	dealctl identity deactivate --realm user --email someone@example.com
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sergiomaldo/deal-room-sub001/internal/auth"
	"github.com/sergiomaldo/deal-room-sub001/internal/auth/store"
	"github.com/sergiomaldo/deal-room-sub001/pkg/db"
)

const usage = "usage: dealctl identity create|activate|deactivate --realm user|admin|supervisor --email <email> [--name <name>]"

func main() {
	if len(os.Args) < 3 || os.Args[1] != "identity" {
		fail(usage)
	}
	switch os.Args[2] {
	case "create":
		runCreate(os.Args[3:])
	case "activate":
		runSetActive(os.Args[3:], true)
	case "deactivate":
		runSetActive(os.Args[3:], false)
	default:
		fail(usage)
	}
}

func runCreate(args []string) {
	fs := flag.NewFlagSet("identity create", flag.ExitOnError)
	fs.SetOutput(os.Stderr)
	realmFlag := fs.String("realm", "", "identity realm")
	email := fs.String("email", "", "email address")
	name := fs.String("name", "", "display name")
	_ = fs.Parse(args)

	realm := parseRealm(*realmFlag)
	if strings.TrimSpace(*email) == "" {
		fail("--email is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := db.Connect(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
		fail("db: " + err.Error())
	}
	defer pool.Close()

	identity := auth.Identity{
		ID:       "usr_" + uuid.NewString(),
		Email:    strings.ToLower(strings.TrimSpace(*email)),
		IsActive: true,
	}
	if strings.TrimSpace(*name) != "" {
		n := strings.TrimSpace(*name)
		identity.Name = &n
	}
	if err := store.NewIdentityStore(pool, realm).Create(ctx, identity); err != nil {
		fail("create identity: " + err.Error())
	}
	emit(map[string]any{"created": true, "realm": string(realm), "id": identity.ID, "email": identity.Email})
}

func runSetActive(args []string, active bool) {
	fs := flag.NewFlagSet("identity set-active", flag.ExitOnError)
	fs.SetOutput(os.Stderr)
	realmFlag := fs.String("realm", "", "identity realm")
	email := fs.String("email", "", "email address")
	_ = fs.Parse(args)

	realm := parseRealm(*realmFlag)
	if strings.TrimSpace(*email) == "" {
		fail("--email is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := db.Connect(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
		fail("db: " + err.Error())
	}
	defer pool.Close()

	updated, err := store.NewIdentityStore(pool, realm).SetActive(ctx, *email, active)
	if err != nil {
		fail("update identity: " + err.Error())
	}
	if !updated {
		fail("no identity with that email in realm " + string(realm))
	}
	emit(map[string]any{"updated": true, "realm": string(realm), "email": strings.ToLower(*email), "is_active": active})
}

func parseRealm(v string) auth.Realm {
	switch auth.Realm(strings.TrimSpace(v)) {
	case auth.RealmUser:
		return auth.RealmUser
	case auth.RealmAdmin:
		return auth.RealmAdmin
	case auth.RealmSupervisor:
		return auth.RealmSupervisor
	default:
		fail("--realm must be one of user, admin, supervisor")
		return ""
	}
}

func emit(v map[string]any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fail(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(2)
}
