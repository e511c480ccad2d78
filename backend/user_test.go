package backend

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/failpark/zeiterfassung2/core/access"
)

func createTestUser(t *testing.T, username, email, password string, role access.Role) User {
	t.Helper()
	var created User
	_, err := testService.admin.RawPost("/user", &UserCreate{
		Username:  username,
		Firstname: "Test",
		Lastname:  "User",
		Email:     email,
		Password:  password,
		SysRole:   role,
	}, &created)
	if err != nil {
		t.Fatal(err)
	}
	return created
}

func login(t *testing.T, email, password string) string {
	t.Helper()
	var response loginResponse
	_, err := testService.client.RawPost("/login", &loginRequest{Email: email, Password: password}, &response)
	if err != nil {
		t.Fatal(err)
	}
	return response.Token
}

func TestUserCreateAndLogin(t *testing.T) {
	created := createTestUser(t, "jdoe", "jdoe@example.com", "secret123", access.RoleUser)
	assert.Greater(t, created.ID, int64(0))
	assert.Equal(t, access.RoleUser, created.SysRole)
	assert.Empty(t, created.Hash)

	// the stored hash is never serialized
	var raw []byte
	if _, err := testService.admin.RawGet(fmt.Sprintf("/user/%d", created.ID), &raw); err != nil {
		t.Fatal(err)
	}
	assert.NotContains(t, string(raw), "hash")
	assert.Contains(t, string(raw), "jdoe")

	// wrong password
	status, err := testService.client.RawPost("/login",
		&loginRequest{Email: "jdoe@example.com", Password: "wrong"}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Contains(t, err.Error(), "Wrong Credentials")

	// correct credentials yield a token that verifies to the same user
	token := login(t, "jdoe@example.com", "secret123")
	identity, err := testService.backend.Tokenizer().Verify(token)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, created.ID, identity.UserID)
	assert.Equal(t, access.RoleUser, identity.Role)
}

func TestLoginUnknownEmail(t *testing.T) {
	// an unknown email is indistinguishable from a wrong password
	status, err := testService.client.RawPost("/login",
		&loginRequest{Email: "nobody@example.com", Password: "whatever"}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Contains(t, err.Error(), "Wrong Credentials")
}

func TestUserSelfOrAdminUpdate(t *testing.T) {
	alice := createTestUser(t, "alice", "alice@example.com", "alicepass", access.RoleUser)
	bob := createTestUser(t, "bob", "bob@example.com", "bobpass", access.RoleUser)

	aliceClient := testService.client.WithToken(login(t, "alice@example.com", "alicepass"))

	// a user may update themselves
	var updated User
	if _, err := aliceClient.RawPatch(fmt.Sprintf("/user/%d", alice.ID),
		[]byte(`{"firstname":"Alicia"}`), &updated); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, "Alicia", updated.Firstname)

	// but nobody else
	status, _ := aliceClient.RawPatch(fmt.Sprintf("/user/%d", bob.ID),
		[]byte(`{"firstname":"Robert"}`), nil)
	assert.Equal(t, http.StatusForbidden, status)

	// admin may update anybody
	if _, err := testService.admin.RawPatch(fmt.Sprintf("/user/%d", bob.ID),
		[]byte(`{"firstname":"Robert"}`), &updated); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, "Robert", updated.Firstname)
}

func TestUserPasswordChange(t *testing.T) {
	carol := createTestUser(t, "carol", "carol@example.com", "oldpass", access.RoleUser)

	if _, err := testService.admin.RawPatch(fmt.Sprintf("/user/%d", carol.ID),
		[]byte(`{"password":"newpass"}`), nil); err != nil {
		t.Fatal(err)
	}

	status, _ := testService.client.RawPost("/login",
		&loginRequest{Email: "carol@example.com", Password: "oldpass"}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	login(t, "carol@example.com", "newpass")
}

func TestUserInvalidPayloads(t *testing.T) {
	// unknown roles are rejected at the decode boundary
	status, _ := testService.admin.RawPost("/user",
		[]byte(`{"username":"root","firstname":"R","lastname":"R","email":"root@example.com","password":"x","sys_role":"root"}`), nil)
	assert.Equal(t, http.StatusBadRequest, status)

	// a missing role is rejected as well
	status, _ = testService.admin.RawPost("/user",
		[]byte(`{"username":"norole","firstname":"N","lastname":"N","email":"norole@example.com","password":"x"}`), nil)
	assert.Equal(t, http.StatusBadRequest, status)

	// duplicate email
	createTestUser(t, "dave", "dave@example.com", "davepass", access.RoleUser)
	status, err := testService.admin.RawPost("/user", &UserCreate{
		Username:  "dave2",
		Firstname: "Dave",
		Lastname:  "Two",
		Email:     "dave@example.com",
		Password:  "davepass",
		SysRole:   access.RoleUser,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, err.Error(), "User already exists")
}
