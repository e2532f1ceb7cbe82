// Package dynamo provides shared DynamoDB constants and utilities.
package dynamo

const (
	// Primary key attributes.
	AttrPK = "pk"
	AttrSK = "sk"

	// Key prefixes.
	PrefixOrg    = "ORG#"
	PrefixDomain = "DOMAIN#"
	PrefixQuota  = "QUOTA#"
	PrefixAudit  = "AUDIT#"
	PrefixMbox   = "MBOX#"

	// GSI attributes and index names.
	AttrGSI1PK = "gsi1pk"
	AttrGSI1SK = "gsi1sk"
	IndexGSI1  = "gsi1"
	AttrGSI2PK = "gsi2pk"
	AttrGSI2SK = "gsi2sk"
	IndexGSI2  = "gsi2"
)
