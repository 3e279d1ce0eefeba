package library

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/crypto/bcrypt"
)

// bcryptCost is used for new hashes.
var bcryptCost = 12

// User is an account allowed to log in to the library engine.
type User struct {
	Username string `toml:"username"`
	Password string `toml:"password"` // hashed after first load
	Created  string `toml:"created"`
}

// usersFile is the structure of users.toml
type usersFile struct {
	Users []User `toml:"users"`
}

// UserStore checks credentials against a TOML file of bcrypt hashed
// passwords.
type UserStore struct {
	mu       sync.RWMutex
	users    map[string]*User
	filePath string
	notice   io.Writer
}

// NewUserStore loads users from filePath. Plaintext passwords found in the
// file are hashed and written back. When the file does not exist an admin
// account with a random password is created and the password is printed to
// stdout.
func NewUserStore(filePath string) (*UserStore, error) {
	return newUserStore(filePath, os.Stdout)
}

func newUserStore(filePath string, notice io.Writer) (*UserStore, error) {
	us := &UserStore{
		users:    make(map[string]*User),
		filePath: filePath,
		notice:   notice,
	}
	if err := us.load(); err != nil {
		return nil, fmt.Errorf("failed to load users: %w", err)
	}
	return us, nil
}

func (us *UserStore) load() error {
	if _, err := os.Stat(us.filePath); os.IsNotExist(err) {
		return us.createDefaultUser()
	}

	var file usersFile
	if _, err := toml.DecodeFile(us.filePath, &file); err != nil {
		return fmt.Errorf("failed to parse users file: %w", err)
	}

	needsSave := false
	for i := range file.Users {
		user := file.Users[i]
		if user.Username == "" {
			continue
		}
		if !isHashedPassword(user.Password) {
			hashed, err := hashPassword(user.Password)
			if err != nil {
				return fmt.Errorf("failed to hash password for user %s: %w", user.Username, err)
			}
			user.Password = hashed
			needsSave = true
		}
		us.users[user.Username] = &user
	}

	if needsSave {
		return us.save()
	}
	return nil
}

func (us *UserStore) createDefaultUser() error {
	password, err := generateRandomPassword(12)
	if err != nil {
		return fmt.Errorf("failed to generate default password: %w", err)
	}
	hashed, err := hashPassword(password)
	if err != nil {
		return fmt.Errorf("failed to hash default password: %w", err)
	}

	us.users["admin"] = &User{
		Username: "admin",
		Password: hashed,
		Created:  time.Now().Format("2006-01-02 15:04:05"),
	}
	if err := us.save(); err != nil {
		return err
	}

	fmt.Fprintf(us.notice, "\n"+
		"=====================================\n"+
		"DEFAULT LIBRARY USER CREATED\n"+
		"=====================================\n"+
		"Username: admin\n"+
		"Password: %s\n"+
		"=====================================\n"+
		"Change it by editing %s\n\n", password, us.filePath)
	return nil
}

// save writes all users back to the file. Callers hold the write lock or
// own the store exclusively.
func (us *UserStore) save() error {
	if err := os.MkdirAll(filepath.Dir(us.filePath), 0755); err != nil {
		return fmt.Errorf("failed to create users directory: %w", err)
	}
	file, err := os.OpenFile(us.filePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create users file: %w", err)
	}
	defer file.Close()

	header := `# despotify library accounts
# Passwords are hashed automatically on startup. To add a user, add a
# [[users]] section with a plaintext password.

`
	if _, err := file.WriteString(header); err != nil {
		return fmt.Errorf("failed to write users file header: %w", err)
	}

	names := make([]string, 0, len(us.users))
	for name := range us.users {
		names = append(names, name)
	}
	sort.Strings(names)
	out := usersFile{}
	for _, name := range names {
		out.Users = append(out.Users, *us.users[name])
	}

	if err := toml.NewEncoder(file).Encode(out); err != nil {
		return fmt.Errorf("failed to encode users to TOML: %w", err)
	}
	return nil
}

// Authenticate checks a username and password.
func (us *UserStore) Authenticate(username, password string) bool {
	us.mu.RLock()
	user, exists := us.users[username]
	us.mu.RUnlock()
	if !exists {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)) == nil
}

// AddUser registers a new account and persists it.
func (us *UserStore) AddUser(username, password string) error {
	if username == "" || password == "" {
		return fmt.Errorf("username and password are required")
	}
	hashed, err := hashPassword(password)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	us.mu.Lock()
	defer us.mu.Unlock()
	if _, exists := us.users[username]; exists {
		return fmt.Errorf("user %s already exists", username)
	}
	us.users[username] = &User{
		Username: username,
		Password: hashed,
		Created:  time.Now().Format("2006-01-02 15:04:05"),
	}
	return us.save()
}

// Usernames lists the registered accounts.
func (us *UserStore) Usernames() []string {
	us.mu.RLock()
	defer us.mu.RUnlock()
	names := make([]string, 0, len(us.users))
	for name := range us.users {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// isHashedPassword recognizes the $2a$, $2b$, $2x$ and $2y$ bcrypt prefixes.
func isHashedPassword(password string) bool {
	return len(password) >= 4 &&
		password[0] == '$' &&
		password[1] == '2' &&
		(password[2] == 'a' || password[2] == 'b' || password[2] == 'x' || password[2] == 'y') &&
		password[3] == '$'
}

func generateRandomPassword(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b)[:length], nil
}
