package models

// Orders reserve nothing and move no stock; they only take a number.
type salesOrderRules struct{ baseRules }
