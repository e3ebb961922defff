package serversets

import (
	"fmt"
	"net"
	"reflect"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ServiceType decides the node lifetime of a registered instance.
type ServiceType string

const (
	// ServiceTypeDynamic instances live as long as the registering session.
	ServiceTypeDynamic ServiceType = "DYNAMIC"
	// ServiceTypeDynamicSequential instances are dynamic with a sequence suffix on their node.
	ServiceTypeDynamicSequential ServiceType = "DYNAMIC_SEQUENTIAL"
	// ServiceTypeStatic instances stay registered until they are unregistered.
	ServiceTypeStatic ServiceType = "STATIC"
	// ServiceTypePermanent instances are never removed by the discovery layer.
	ServiceTypePermanent ServiceType = "PERMANENT"
)

var serviceTypes = []ServiceType{
	ServiceTypeDynamic,
	ServiceTypeStatic,
	ServiceTypePermanent,
	ServiceTypeDynamicSequential,
}

func (t ServiceType) valid() bool {
	return t.ordinal() >= 0
}

func (t ServiceType) ordinal() int {
	for i, st := range serviceTypes {
		if st == t {
			return i
		}
	}
	return -1
}

// IsDynamic reports whether instances of this type go away with their session.
func (t ServiceType) IsDynamic() bool {
	return t == ServiceTypeDynamic || t == ServiceTypeDynamicSequential
}

// ServiceInstance is a registered endpoint of a named service. Payload is opaque to the
// discovery layer and is only handled by the serializer.
type ServiceInstance[T any] struct {
	Name                string      `json:"name"`
	ID                  string      `json:"id"`
	Address             string      `json:"address"`
	Port                *int        `json:"port"`
	SSLPort             *int        `json:"sslPort"`
	Payload             T           `json:"payload"`
	RegistrationTimeUTC int64       `json:"registrationTimeUTC"`
	ServiceType         ServiceType `json:"serviceType"`
	URISpec             string      `json:"uriSpec"`
	Enabled             bool        `json:"enabled"`
}

// NewServiceInstance creates an enabled, dynamic instance with a random id.
func NewServiceInstance[T any](name, address string, port int, payload T) *ServiceInstance[T] {
	return &ServiceInstance[T]{
		Name:                name,
		ID:                  uuid.New().String(),
		Address:             address,
		Port:                &port,
		Payload:             payload,
		RegistrationTimeUTC: time.Now().UnixNano() / int64(time.Millisecond),
		ServiceType:         ServiceTypeDynamic,
		Enabled:             true,
	}
}

// Endpoint returns host:port, preferring the plain port over the SSL port.
func (i *ServiceInstance[T]) Endpoint() string {
	port := i.Port
	if port == nil {
		port = i.SSLPort
	}
	if port == nil {
		return i.Address
	}
	return net.JoinHostPort(i.Address, strconv.Itoa(*port))
}

// IsAlive returns true if this instance is to be discovered by users.
func (i *ServiceInstance[T]) IsAlive() bool {
	return i.Enabled
}

func (i *ServiceInstance[T]) String() string {
	return fmt.Sprintf("%s/%s@%s", i.Name, i.ID, i.Endpoint())
}

// check is the shape every codec requires of an instance.
func (i *ServiceInstance[T]) check() error {
	if i == nil {
		return errors.New("nil instance")
	}
	if i.Name == "" {
		return errors.New("instance has no name")
	}
	if i.ID == "" {
		return errors.New("instance has no id")
	}
	if !i.ServiceType.valid() {
		return errors.Errorf("unknown service type %q", i.ServiceType)
	}
	return nil
}

// Clone returns a deep copy of the instance. Ports and the maps, slices and pointers
// reachable from the payload are copied too.
func (i *ServiceInstance[T]) Clone() *ServiceInstance[T] {
	if i == nil {
		return nil
	}
	c := *i
	if i.Port != nil {
		port := *i.Port
		c.Port = &port
	}
	if i.SSLPort != nil {
		port := *i.SSLPort
		c.SSLPort = &port
	}
	reflect.ValueOf(&c.Payload).Elem().Set(cloneValue(reflect.ValueOf(&i.Payload).Elem()))
	return &c
}

func cloneInstances[T any](instances []*ServiceInstance[T]) []*ServiceInstance[T] {
	if instances == nil {
		return nil
	}
	clones := make([]*ServiceInstance[T], len(instances))
	for n, i := range instances {
		clones[n] = i.Clone()
	}
	return clones
}

// cloneValue deep copies v. Unexported struct fields are copied shallowly.
func cloneValue(v reflect.Value) reflect.Value {
	switch v.Kind() {
	case reflect.Ptr:
		if v.IsNil() {
			return v
		}
		c := reflect.New(v.Type().Elem())
		c.Elem().Set(cloneValue(v.Elem()))
		return c
	case reflect.Interface:
		if v.IsNil() {
			return v
		}
		c := reflect.New(v.Type()).Elem()
		c.Set(cloneValue(v.Elem()))
		return c
	case reflect.Map:
		if v.IsNil() {
			return v
		}
		c := reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			c.SetMapIndex(iter.Key(), cloneValue(iter.Value()))
		}
		return c
	case reflect.Slice:
		if v.IsNil() {
			return v
		}
		c := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		for n := 0; n < v.Len(); n++ {
			c.Index(n).Set(cloneValue(v.Index(n)))
		}
		return c
	case reflect.Array:
		c := reflect.New(v.Type()).Elem()
		for n := 0; n < v.Len(); n++ {
			c.Index(n).Set(cloneValue(v.Index(n)))
		}
		return c
	case reflect.Struct:
		c := reflect.New(v.Type()).Elem()
		c.Set(v)
		for n := 0; n < v.NumField(); n++ {
			if v.Type().Field(n).IsExported() {
				c.Field(n).Set(cloneValue(v.Field(n)))
			}
		}
		return c
	}
	return v
}
