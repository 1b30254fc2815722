package plugin

import "sort"

// StaticSchema is a SchemaProvider over a fixed field list.
type StaticSchema []Field

func (s StaticSchema) Fields() []Field {
	out := append([]Field(nil), s...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].DisplayOrder < out[j].DisplayOrder })
	return out
}

// Required returns the keys of every required field.
func Required(p SchemaProvider) []string {
	var keys []string
	for _, f := range p.Fields() {
		if f.Required {
			keys = append(keys, f.Key)
		}
	}
	return keys
}

// DefaultSchema is what get-configuration reports unless overridden.
var DefaultSchema = StaticSchema{
	{Key: "account_id", DisplayName: "Account ID", Required: true, DisplayOrder: 0},
	{Key: "application_key", DisplayName: "Application Key", Required: true, Secure: true, DisplayOrder: 1},
	{Key: "bucket_id", DisplayName: "Bucket ID", Required: true, DisplayOrder: 2},
	{Key: "destination_prefix", DisplayName: "Destination Prefix", DisplayOrder: 3},
	{Key: "source", DisplayName: "Source Files", Required: true, DisplayOrder: 4},
}
