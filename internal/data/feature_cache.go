package data

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const featuresBucket = "features"

// FeatureCache stores extracted feature maps keyed by sha1 of the image path.
type FeatureCache struct {
	db *bbolt.DB
}

func OpenFeatureCache(path string) (*FeatureCache, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open feature cache: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(featuresBucket)); err != nil {
			return fmt.Errorf("create features bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &FeatureCache{db: db}, nil
}

func (c *FeatureCache) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

func cacheKey(imagePath string) []byte {
	sum := sha1.Sum([]byte(imagePath))
	return []byte(hex.EncodeToString(sum[:]))
}

// Get returns the cached features for imagePath and whether they were found.
func (c *FeatureCache) Get(imagePath string) (map[string]float64, bool, error) {
	var feats map[string]float64
	err := c.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(featuresBucket)).Get(cacheKey(imagePath))
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, &feats); err != nil {
			return fmt.Errorf("unmarshal cached features: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return feats, feats != nil, nil
}

func (c *FeatureCache) Put(imagePath string, feats map[string]float64) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(feats)
		if err != nil {
			return fmt.Errorf("marshal features: %w", err)
		}
		return tx.Bucket([]byte(featuresBucket)).Put(cacheKey(imagePath), data)
	})
}
