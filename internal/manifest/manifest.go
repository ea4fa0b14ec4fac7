// Package manifest decodes multi-document YAML or JSON manifests into typed control-plane objects,
// each tagged with the role it plays in the pipeline.
package manifest

import (
	"bufio"
	"bytes"
	"cronrun/internal/cluster"
	"errors"
	"fmt"
	"io"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/runtime"
	utilyaml "k8s.io/apimachinery/pkg/util/yaml"
	"k8s.io/client-go/kubernetes/scheme"
)

// Object is one decoded manifest document.
type Object struct {
	Kind   cluster.Kind
	Object runtime.Object
	meta   metaAccessor
}

type metaAccessor interface {
	GetName() string
	GetNamespace() string
	SetNamespace(string)
}

// Name returns the object's metadata name.
func (o *Object) Name() string { return o.meta.GetName() }

// Namespace returns the object's metadata namespace (may be empty).
func (o *Object) Namespace() string { return o.meta.GetNamespace() }

// DefaultNamespace sets the namespace if the document did not specify one.
func (o *Object) DefaultNamespace(namespace string) {
	if o.meta.GetNamespace() == "" {
		o.meta.SetNamespace(namespace)
	}
}

// APIKind returns the control-plane kind, e.g. "CronJob".
func (o *Object) APIKind() string {
	return o.Object.GetObjectKind().GroupVersionKind().Kind
}

// Resource describes the object as an applied cluster.Resource.
func (o *Object) Resource() cluster.Resource {
	return cluster.Resource{
		Kind:      o.Kind,
		APIKind:   o.APIKind(),
		Name:      o.Name(),
		Namespace: o.Namespace(),
	}
}

// Decode splits data into documents and decodes each one.
// Empty and comment-only documents are skipped. Decoding fails on the first
// document that is malformed, unnamed, or of a kind the pipeline cannot apply.
func Decode(data []byte) ([]Object, error) {
	reader := utilyaml.NewYAMLReader(bufio.NewReader(bytes.NewReader(data)))
	deserializer := scheme.Codecs.UniversalDeserializer()

	var objects []Object
	for index := 0; ; index++ {
		doc, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", index, err)
		}

		jsonDoc, err := utilyaml.ToJSON(doc)
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", index, err)
		}
		if trimmed := bytes.TrimSpace(jsonDoc); len(trimmed) == 0 || string(trimmed) == "null" {
			continue
		}

		obj, gvk, err := deserializer.Decode(jsonDoc, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", index, err)
		}

		kind, err := Classify(obj)
		if err != nil {
			return nil, fmt.Errorf("document %d (%s): %w", index, gvk.Kind, err)
		}

		accessor, err := meta.Accessor(obj)
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", index, err)
		}
		if accessor.GetName() == "" {
			return nil, fmt.Errorf("document %d (%s): metadata.name is required", index, gvk.Kind)
		}

		// Typed decoding clears TypeMeta; keep the kind for reporting.
		obj.GetObjectKind().SetGroupVersionKind(*gvk)
		objects = append(objects, Object{Kind: kind, Object: obj, meta: accessor})
	}
	return objects, nil
}

// Classify maps a typed object to its pipeline role.
func Classify(obj runtime.Object) (cluster.Kind, error) {
	switch obj.(type) {
	case *corev1.ServiceAccount:
		return cluster.KindIdentity, nil
	case *batchv1.CronJob:
		return cluster.KindTemplate, nil
	case *batchv1.Job:
		return cluster.KindRun, nil
	case *corev1.ConfigMap, *corev1.Secret, *rbacv1.Role, *rbacv1.RoleBinding:
		return cluster.KindSupporting, nil
	default:
		return "", cluster.ErrUnsupportedKind
	}
}
