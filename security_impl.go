package docstore

import (
	"fmt"

	"github.com/bunbase/docstore/internal/document"
	"github.com/bunbase/docstore/security"
)

// usersCollectionName is the bootstrap collection the engine stores
// credentials in. It carries no schema or rules — internalUserStore talks
// to it directly with a nil auth context, matching Collection.authorize's
// "no rule configured" allow path, since the connection-level auth
// handshake itself hasn't happened yet when this store is consulted.
const usersCollectionName = "_users"

// internalUserStore implements security.UserStore on top of the engine's
// own collection machinery, grounded in the teacher's InternalUserStore —
// reworked to use document.Document/the new Engine/Collection API instead
// of storage.Document and the old Database's BeginTransaction surface,
// and with the teacher's unresolved Update-vs-Insert uncertainty in
// SaveUser replaced by a straightforward delete-then-insert upsert.
type internalUserStore struct {
	engine *Engine
}

func newInternalUserStore(e *Engine) *internalUserStore {
	return &internalUserStore{engine: e}
}

func (s *internalUserStore) collection() (*Collection, error) {
	if coll, ok := s.engine.Collection(usersCollectionName); ok {
		return coll, nil
	}
	return s.engine.CreateCollection(usersCollectionName, CollectionOptions{})
}

func (s *internalUserStore) GetUser(username string) (*security.User, error) {
	coll, err := s.collection()
	if err != nil {
		return nil, err
	}
	doc, _, found, err := coll.get(username)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("docstore: user %q: %w", username, ErrDocumentNotFound)
	}
	return documentToUser(doc)
}

func (s *internalUserStore) SaveUser(user *security.User) error {
	coll, err := s.collection()
	if err != nil {
		return err
	}
	doc, err := userToDocument(user)
	if err != nil {
		return err
	}
	if _, _, found, err := coll.get(user.Username); err != nil {
		return err
	} else if found {
		filter := document.NewDocument()
		filter.Set("_id", document.String(user.Username))
		if _, err := coll.Delete(nil, filter); err != nil {
			return err
		}
	}
	_, err = coll.Insert(nil, doc)
	return err
}

func (s *internalUserStore) DeleteUser(username string) error {
	coll, err := s.collection()
	if err != nil {
		return err
	}
	_, _, found, err := coll.get(username)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("docstore: user %q: %w", username, ErrDocumentNotFound)
	}
	filter := document.NewDocument()
	filter.Set("_id", document.String(username))
	_, err = coll.Delete(nil, filter)
	return err
}

func (s *internalUserStore) ListUsers() ([]*security.User, error) {
	coll, err := s.collection()
	if err != nil {
		return nil, err
	}
	docs, err := coll.Find(nil, document.NewDocument(), QueryOptions{})
	if err != nil {
		return nil, err
	}
	users := make([]*security.User, 0, len(docs))
	for _, doc := range docs {
		u, err := documentToUser(doc)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, nil
}

func userToDocument(u *security.User) (*document.Document, error) {
	m := map[string]interface{}{
		"username":        u.Username,
		"hashed_password": u.HashedPassword,
		"salt":            u.Salt,
		"created_at":      u.CreatedAt.Unix(),
		"updated_at":      u.UpdatedAt.Unix(),
	}
	roles := make([]interface{}, 0, len(u.Roles))
	for _, r := range u.Roles {
		perms := make([]interface{}, 0, len(r.Permissions))
		for _, p := range r.Permissions {
			perms = append(perms, string(p))
		}
		roles = append(roles, map[string]interface{}{
			"name":        r.Name,
			"database":    r.Database,
			"permissions": perms,
		})
	}
	m["roles"] = roles

	v, err := document.FromAny(m)
	if err != nil {
		return nil, err
	}
	doc := v.AsObject()
	doc.SetID(u.Username)
	return doc, nil
}

func documentToUser(doc *document.Document) (*security.User, error) {
	username, _ := doc.ID()

	hashed, _ := doc.Get("hashed_password")
	salt, _ := doc.Get("salt")

	var roles []security.Role
	if rv, ok := doc.Get("roles"); ok && rv.Kind() == document.KindArray {
		for _, rv := range rv.AsArray() {
			if rv.Kind() != document.KindObject {
				continue
			}
			rd := rv.AsObject()
			name, _ := rd.Get("name")
			db, _ := rd.Get("database")
			var perms []security.Permission
			if pv, ok := rd.Get("permissions"); ok && pv.Kind() == document.KindArray {
				for _, p := range pv.AsArray() {
					perms = append(perms, security.Permission(p.AsString()))
				}
			}
			roles = append(roles, security.Role{
				Name:        name.AsString(),
				Database:    db.AsString(),
				Permissions: perms,
			})
		}
	}

	return &security.User{
		Username:       username,
		HashedPassword: hashed.AsString(),
		Salt:           salt.AsString(),
		Roles:          roles,
	}, nil
}
