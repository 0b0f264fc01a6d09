// Package roster loads the class and person directory from a TOML file.
//
//	[[classes]]
//	id = "class-a"
//	name = "Grade 3"
//
//	[[persons]]
//	id = "child-1"
//	name = "Mina"
//	class = "class-a"
//	type = "child"
package roster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/MarcoPoloResearchLab/attendance/backend/internal/attendance"
)

var (
	ErrUnknownKeys    = errors.New("roster: unknown keys")
	ErrDuplicateEntry = errors.New("roster: duplicate entry")
	ErrUnknownClass   = errors.New("roster: unknown class")
	ErrInvalidEntry   = errors.New("roster: invalid entry")
)

// DirectoryWriter receives the parsed roster.
type DirectoryWriter interface {
	UpsertClass(ctx context.Context, class attendance.Class) error
	UpsertPerson(ctx context.Context, person attendance.Person) error
}

type document struct {
	Classes []classEntry  `toml:"classes"`
	Persons []personEntry `toml:"persons"`
}

type classEntry struct {
	ID   string `toml:"id"`
	Name string `toml:"name"`
}

type personEntry struct {
	ID    string `toml:"id"`
	Name  string `toml:"name"`
	Class string `toml:"class"`
	Type  string `toml:"type"`
	Phone string `toml:"phone"`
	Role  string `toml:"role"`
}

// Roster is a validated directory snapshot.
type Roster struct {
	Classes []attendance.Class
	Persons []attendance.Person
}

// Summary counts what Apply wrote.
type Summary struct {
	Classes int
	Persons int
}

// Parse decodes and validates a TOML roster.
func Parse(reader io.Reader) (Roster, error) {
	var doc document
	metadata, err := toml.NewDecoder(reader).Decode(&doc)
	if err != nil {
		return Roster{}, fmt.Errorf("roster: decode: %w", err)
	}
	if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return Roster{}, fmt.Errorf("%w: %s", ErrUnknownKeys, strings.Join(keys, ", "))
	}

	result := Roster{
		Classes: make([]attendance.Class, 0, len(doc.Classes)),
		Persons: make([]attendance.Person, 0, len(doc.Persons)),
	}
	classes := make(map[attendance.ClassID]struct{}, len(doc.Classes))
	for index, entry := range doc.Classes {
		classID, err := attendance.NewClassID(entry.ID)
		if err != nil {
			return Roster{}, fmt.Errorf("%w: classes[%d]: %v", ErrInvalidEntry, index, err)
		}
		if _, exists := classes[classID]; exists {
			return Roster{}, fmt.Errorf("%w: class %s", ErrDuplicateEntry, classID)
		}
		name := strings.TrimSpace(entry.Name)
		if name == "" {
			return Roster{}, fmt.Errorf("%w: class %s has no name", ErrInvalidEntry, classID)
		}
		classes[classID] = struct{}{}
		result.Classes = append(result.Classes, attendance.Class{ID: classID, Name: name})
	}

	persons := make(map[attendance.PersonID]struct{}, len(doc.Persons))
	for index, entry := range doc.Persons {
		person, err := entry.person()
		if err != nil {
			return Roster{}, fmt.Errorf("%w: persons[%d]: %v", ErrInvalidEntry, index, err)
		}
		if _, exists := persons[person.ID]; exists {
			return Roster{}, fmt.Errorf("%w: person %s", ErrDuplicateEntry, person.ID)
		}
		if person.ClassID != "" {
			if _, exists := classes[person.ClassID]; !exists {
				return Roster{}, fmt.Errorf("%w: person %s references %s", ErrUnknownClass, person.ID, person.ClassID)
			}
		}
		persons[person.ID] = struct{}{}
		result.Persons = append(result.Persons, person)
	}
	return result, nil
}

func (e personEntry) person() (attendance.Person, error) {
	personID, err := attendance.NewPersonID(e.ID)
	if err != nil {
		return attendance.Person{}, err
	}
	name := strings.TrimSpace(e.Name)
	if name == "" {
		return attendance.Person{}, fmt.Errorf("person %s has no name", personID)
	}
	personType, err := attendance.ParsePersonType(e.Type)
	if err != nil {
		return attendance.Person{}, err
	}
	var classID attendance.ClassID
	if strings.TrimSpace(e.Class) != "" {
		classID, err = attendance.NewClassID(e.Class)
		if err != nil {
			return attendance.Person{}, err
		}
	}
	role := strings.ToLower(strings.TrimSpace(e.Role))
	switch role {
	case "", attendance.RoleAdmin, attendance.RoleServiceLeader, attendance.RoleServant:
	default:
		return attendance.Person{}, fmt.Errorf("person %s has unknown role %q", personID, e.Role)
	}
	if personType == attendance.PersonTypeChild && role != "" {
		return attendance.Person{}, fmt.Errorf("child %s cannot hold role %q", personID, role)
	}
	return attendance.Person{
		ID:         personID,
		Name:       name,
		ClassID:    classID,
		Phone:      strings.TrimSpace(e.Phone),
		Role:       role,
		PersonType: personType,
	}, nil
}

// Apply writes classes before persons so class references resolve.
func Apply(ctx context.Context, writer DirectoryWriter, roster Roster) (Summary, error) {
	var summary Summary
	for _, class := range roster.Classes {
		if err := writer.UpsertClass(ctx, class); err != nil {
			return summary, fmt.Errorf("roster: upsert class %s: %w", class.ID, err)
		}
		summary.Classes++
	}
	for _, person := range roster.Persons {
		if err := writer.UpsertPerson(ctx, person); err != nil {
			return summary, fmt.Errorf("roster: upsert person %s: %w", person.ID, err)
		}
		summary.Persons++
	}
	return summary, nil
}
